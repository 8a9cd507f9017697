// Package oci classifies the image layers a Spin application ships in.
//
// Four media types are understood: bare WebAssembly, the application
// archive, generic data blobs and the locked application manifest. Only
// WebAssembly layers are candidates for compilation; the rest are consumed
// by the source resolver or passed through untouched.
package oci
