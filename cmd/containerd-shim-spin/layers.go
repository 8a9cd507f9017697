package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kate-goldenring/containerd-shim-spin/oci"
)

// readLayers loads layer files given as path or path=mediatype.
func readLayers(specs []string) ([]oci.Layer, error) {
	layers := make([]oci.Layer, 0, len(specs))
	for _, s := range specs {
		path, mediaType, _ := strings.Cut(s, "=")
		if mediaType == "" {
			mediaType = mediaTypeOf(path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read layer: %w", err)
		}
		l := oci.NewLayer(mediaType, content)
		l.Descriptor.Annotations = map[string]string{ocispec.AnnotationTitle: filepath.Base(path)}
		layers = append(layers, l)
	}
	return layers, nil
}

func mediaTypeOf(path string) string {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, ".wasm"):
		return oci.MediaTypeWasm
	case base == "spin.lock", strings.HasSuffix(base, ".lock"):
		return oci.MediaTypeLockedApp
	case strings.HasSuffix(base, ".tar.gz"), strings.HasSuffix(base, ".tgz"):
		return oci.MediaTypeArchive
	default:
		return oci.MediaTypeData
	}
}
