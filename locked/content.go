package locked

import (
	"net/url"
	"path/filepath"
	"strings"
)

// FileURL renders an absolute path as a file:// URL.
func FileURL(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// LocalPath returns the filesystem path of a file:// source. Relative
// forms ("file:hello.wasm") and bare paths are returned as written.
func (r ContentRef) LocalPath() (string, bool) {
	if r.Source == "" {
		return "", false
	}
	if !strings.Contains(r.Source, ":") {
		return filepath.FromSlash(r.Source), true
	}
	u, err := url.Parse(r.Source)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return "", false
	}
	return filepath.FromSlash(p), true
}
