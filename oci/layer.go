package oci

import (
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// Layer media types produced by `spin registry push`.
const (
	MediaTypeWasm      = "application/vnd.wasm.content.layer.v1+wasm"
	MediaTypeArchive   = "application/vnd.wasm.content.bundle.v1.tar+gzip"
	MediaTypeData      = "application/vnd.wasm.content.layer.v1+data"
	MediaTypeLockedApp = "application/vnd.fermyon.spin.application.v1+config"
)

// SupportedMediaTypes returns every layer media type the shim consumes.
func SupportedMediaTypes() []string {
	return []string{MediaTypeWasm, MediaTypeArchive, MediaTypeData, MediaTypeLockedApp}
}

// Layer is an image layer together with its descriptor.
type Layer struct {
	Content    []byte
	Descriptor ocispec.Descriptor
}

// NewLayer builds a layer whose descriptor is computed from content.
func NewLayer(mediaType string, content []byte) Layer {
	return Layer{
		Content: content,
		Descriptor: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    digest.FromBytes(content),
			Size:      int64(len(content)),
		},
	}
}

// MediaType returns the descriptor's media type.
func (l Layer) MediaType() string {
	return l.Descriptor.MediaType
}

// Digest returns the descriptor's digest.
func (l Layer) Digest() digest.Digest {
	return l.Descriptor.Digest
}

// Annotation returns the descriptor annotation for key, if any.
func (l Layer) Annotation(key string) string {
	return l.Descriptor.Annotations[key]
}

// Verify checks the content against the descriptor's digest and size.
func (l Layer) Verify() error {
	if l.Descriptor.Size != 0 && l.Descriptor.Size != int64(len(l.Content)) {
		return fmt.Errorf("layer %s: size %d does not match descriptor size %d",
			l.Descriptor.Digest, len(l.Content), l.Descriptor.Size)
	}
	if l.Descriptor.Digest == "" {
		return nil
	}
	if err := l.Descriptor.Digest.Validate(); err != nil {
		return fmt.Errorf("layer digest: %w", err)
	}
	if got := l.Descriptor.Digest.Algorithm().FromBytes(l.Content); got != l.Descriptor.Digest {
		return fmt.Errorf("layer %s: content digest is %s", l.Descriptor.Digest, got)
	}
	return nil
}

// IsWasm reports whether the layer carries bare WebAssembly.
func (l Layer) IsWasm() bool {
	return l.Descriptor.MediaType == MediaTypeWasm
}

// Classification is the precompiler's view of a layer.
type Classification uint8

const (
	NonWasm Classification = iota
	RawWasmModule
	RawWasmComponent
	PrecompiledComponent
)

func (c Classification) String() string {
	switch c {
	case NonWasm:
		return "non-wasm"
	case RawWasmModule:
		return "module"
	case RawWasmComponent:
		return "component"
	case PrecompiledComponent:
		return "precompiled"
	default:
		return fmt.Sprintf("Classification(%d)", uint8(c))
	}
}

// Detector recognizes artifacts produced by a compiler engine.
type Detector interface {
	DetectPrecompiled(data []byte) bool
}

// Classify decides what the precompiler does with a layer. Layers with the
// wasm media type whose bytes are neither precompiled nor a component are
// reported as modules; invalid bytes are left for the compiler to reject.
func Classify(l Layer, d Detector) Classification {
	if !l.IsWasm() {
		return NonWasm
	}
	if d != nil && d.DetectPrecompiled(l.Content) {
		return PrecompiledComponent
	}
	if wasm.IsComponent(l.Content) {
		return RawWasmComponent
	}
	return RawWasmModule
}

// FilterByMediaType returns the layers with the given media type in order.
func FilterByMediaType(layers []Layer, mediaType string) []Layer {
	var out []Layer
	for _, l := range layers {
		if l.Descriptor.MediaType == mediaType {
			out = append(out, l)
		}
	}
	return out
}

// FindByDigest returns the first layer with digest d and one of the given
// media types. No media types matches any layer.
func FindByDigest(layers []Layer, d digest.Digest, mediaTypes ...string) (Layer, bool) {
	for _, l := range layers {
		if l.Descriptor.Digest != d {
			continue
		}
		if len(mediaTypes) == 0 {
			return l, true
		}
		for _, mt := range mediaTypes {
			if l.Descriptor.MediaType == mt {
				return l, true
			}
		}
	}
	return Layer{}, false
}

// HasMediaType reports whether any layer has the given media type.
func HasMediaType(layers []Layer, mediaType string) bool {
	for _, l := range layers {
		if l.Descriptor.MediaType == mediaType {
			return true
		}
	}
	return false
}
