package oci

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

var (
	module    = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	component = []byte{0x00, 0x61, 0x73, 0x6D, 0x0D, 0x00, 0x01, 0x00}
	artifact  = []byte("PRECOMPILED!")
)

type prefixDetector []byte

func (p prefixDetector) DetectPrecompiled(data []byte) bool {
	return bytes.HasPrefix(data, p)
}

func TestSupportedMediaTypes(t *testing.T) {
	want := []string{
		"application/vnd.wasm.content.layer.v1+wasm",
		"application/vnd.wasm.content.bundle.v1.tar+gzip",
		"application/vnd.wasm.content.layer.v1+data",
		"application/vnd.fermyon.spin.application.v1+config",
	}
	if got := SupportedMediaTypes(); !slices.Equal(got, want) {
		t.Errorf("SupportedMediaTypes() = %v, want %v", got, want)
	}
}

func TestClassify(t *testing.T) {
	det := prefixDetector("PRECOMPILED")
	tests := []struct {
		name  string
		layer Layer
		want  Classification
	}{
		{"data layer", NewLayer(MediaTypeData, module), NonWasm},
		{"archive", NewLayer(MediaTypeArchive, []byte("gz")), NonWasm},
		{"locked app", NewLayer(MediaTypeLockedApp, []byte("{}")), NonWasm},
		{"unknown media type", NewLayer("application/octet-stream", component), NonWasm},
		{"module", NewLayer(MediaTypeWasm, module), RawWasmModule},
		{"component", NewLayer(MediaTypeWasm, component), RawWasmComponent},
		{"precompiled", NewLayer(MediaTypeWasm, artifact), PrecompiledComponent},
		{"garbage", NewLayer(MediaTypeWasm, []byte("nope")), RawWasmModule},
		{"empty", NewLayer(MediaTypeWasm, nil), RawWasmModule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Classify(tt.layer, det)
			if first != tt.want {
				t.Errorf("Classify = %s, want %s", first, tt.want)
			}
			if again := Classify(tt.layer, det); again != first {
				t.Errorf("classification changed from %s to %s", first, again)
			}
		})
	}
}

func TestClassify_NilDetector(t *testing.T) {
	if got := Classify(NewLayer(MediaTypeWasm, artifact), nil); got != RawWasmModule {
		t.Errorf("Classify = %s, want %s", got, RawWasmModule)
	}
}

func TestClassification_String(t *testing.T) {
	for c, want := range map[Classification]string{
		NonWasm:              "non-wasm",
		RawWasmModule:        "module",
		RawWasmComponent:     "component",
		PrecompiledComponent: "precompiled",
		Classification(9):    "Classification(9)",
	} {
		if c.String() != want {
			t.Errorf("String() = %q, want %q", c.String(), want)
		}
	}
}

func TestLayer_Verify(t *testing.T) {
	l := NewLayer(MediaTypeData, []byte("hello"))
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tampered := l
	tampered.Content = []byte("hellO")
	if tampered.Verify() == nil {
		t.Error("tampered content should fail verification")
	}

	short := l
	short.Content = []byte("hell")
	if err := short.Verify(); err == nil || !strings.Contains(err.Error(), "size") {
		t.Errorf("expected size error, got %v", err)
	}

	bad := l
	bad.Descriptor.Digest = "sha256:xyz"
	if bad.Verify() == nil {
		t.Error("malformed digest should fail verification")
	}

	undescribed := Layer{Content: []byte("x")}
	if err := undescribed.Verify(); err != nil {
		t.Errorf("layer without descriptor: %v", err)
	}
}

func TestFindByDigest(t *testing.T) {
	data := NewLayer(MediaTypeData, []byte("asset"))
	code := NewLayer(MediaTypeWasm, module)
	layers := []Layer{data, code}

	got, ok := FindByDigest(layers, code.Digest())
	if !ok || !bytes.Equal(got.Content, module) {
		t.Errorf("FindByDigest(code) = %v, %v", got.Content, ok)
	}
	if _, ok := FindByDigest(layers, code.Digest(), MediaTypeData); ok {
		t.Error("media type filter should exclude the wasm layer")
	}
	got, ok = FindByDigest(layers, data.Digest(), MediaTypeWasm, MediaTypeData)
	if !ok || got.MediaType() != MediaTypeData {
		t.Errorf("FindByDigest(data) = %q, %v", got.MediaType(), ok)
	}
	if _, ok := FindByDigest(layers, digest.FromString("missing")); ok {
		t.Error("unknown digest should not be found")
	}
}

func TestFilterByMediaType(t *testing.T) {
	layers := []Layer{
		NewLayer(MediaTypeWasm, module),
		NewLayer(MediaTypeData, []byte("a")),
		NewLayer(MediaTypeWasm, component),
	}
	wasmLayers := FilterByMediaType(layers, MediaTypeWasm)
	if len(wasmLayers) != 2 {
		t.Fatalf("FilterByMediaType returned %d layers, want 2", len(wasmLayers))
	}
	if !bytes.Equal(wasmLayers[0].Content, module) || !bytes.Equal(wasmLayers[1].Content, component) {
		t.Error("filtered layers should keep their order")
	}
	if got := FilterByMediaType(layers, MediaTypeArchive); len(got) != 0 {
		t.Errorf("no archive layers expected, got %d", len(got))
	}
	if !HasMediaType(layers, MediaTypeData) {
		t.Error("HasMediaType(data) = false")
	}
	if HasMediaType(layers, MediaTypeLockedApp) {
		t.Error("HasMediaType(locked app) = true")
	}
}

func TestLayer_Annotation(t *testing.T) {
	const title = "org.opencontainers.image.title"
	l := NewLayer(MediaTypeWasm, module)
	if got := l.Annotation(title); got != "" {
		t.Errorf("Annotation = %q, want empty", got)
	}
	l.Descriptor.Annotations = map[string]string{title: "hello.wasm"}
	if got := l.Annotation(title); got != "hello.wasm" {
		t.Errorf("Annotation = %q", got)
	}
}
