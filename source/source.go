// Package source turns the layers of a Spin image into a locked
// application whose content references all point into the local cache.
package source

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/cache"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/oci"
)

// Kind is the packaging shape of an image.
type Kind uint8

const (
	// OciArchive images carry the whole application in one archive layer.
	OciArchive Kind = iota + 1
	// OciLayers images carry a lock file plus content layers by digest.
	OciLayers
	// BareModule images carry a single WebAssembly layer.
	BareModule
)

func (k Kind) String() string {
	switch k {
	case OciArchive:
		return "oci-archive"
	case OciLayers:
		return "oci-layers"
	case BareModule:
		return "bare-module"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ContentTypeWasm is the content type of synthesized component sources.
const ContentTypeWasm = "application/wasm"

// DefaultComponentID names a bare module without a title annotation.
const DefaultComponentID = "main"

// Source is the image's application content, resolved against a cache.
type Source struct {
	cache    *cache.Cache
	detector oci.Detector
	logger   *zap.Logger
	layer    oci.Layer
	layers   []oci.Layer
	kind     Kind
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger used during resolution.
func WithLogger(l *zap.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithDetector lets the resolver accept wasm layers that the shim framework
// replaced with precompiled artifacts; those no longer match their
// descriptor digest.
func WithDetector(d oci.Detector) Option {
	return func(s *Source) { s.detector = d }
}

// FromLayers selects the packaging shape: an archive layer wins over a
// lock file layer, which wins over a single wasm layer.
func FromLayers(ctx context.Context, layers []oci.Layer, c *cache.Cache, opts ...Option) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Source{cache: c, layers: layers, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	if archives := oci.FilterByMediaType(layers, oci.MediaTypeArchive); len(archives) > 0 {
		s.kind, s.layer = OciArchive, archives[0]
	} else if manifests := oci.FilterByMediaType(layers, oci.MediaTypeLockedApp); len(manifests) > 0 {
		s.kind, s.layer = OciLayers, manifests[0]
	} else if modules := oci.FilterByMediaType(layers, oci.MediaTypeWasm); len(modules) == 1 {
		s.kind, s.layer = BareModule, modules[0]
	} else {
		return nil, errors.New(errors.PhaseResolve, errors.KindUnknownLayout).
			Detail("expected an application archive, a locked application or a single wasm layer; image has %d layers", len(layers)).
			Build()
	}

	s.logger.Debug("resolved image layout",
		zap.Stringer("kind", s.kind),
		zap.String("digest", s.layer.Digest().String()),
	)
	return s, nil
}

// Kind returns the packaging shape.
func (s *Source) Kind() Kind {
	return s.kind
}

// Layer returns the layer that determined the shape.
func (s *Source) Layer() oci.Layer {
	return s.layer
}

// Cache returns the cache the source resolves into.
func (s *Source) Cache() *cache.Cache {
	return s.cache
}

func (s *Source) String() string {
	return fmt.Sprintf("%s %s", s.kind, s.layer.Digest())
}

// ToLockedApp resolves every content reference into the cache and returns
// the validated application.
func (s *Source) ToLockedApp(ctx context.Context) (*locked.App, error) {
	var (
		app *locked.App
		r   resolver
		err error
	)

	switch s.kind {
	case OciArchive:
		app, r, err = s.fromArchive(ctx)
	case OciLayers:
		app, r, err = s.fromLayers()
	case BareModule:
		app, err = s.fromBareModule()
	default:
		err = fmt.Errorf("source %s: unknown kind", s)
	}
	if err != nil {
		return nil, err
	}

	if r != nil {
		if err := s.resolveContent(ctx, app, r); err != nil {
			return nil, err
		}
	}

	if err := app.Validate(); err != nil {
		return nil, err
	}
	s.logger.Info("loaded application",
		zap.String("app", app.Name()),
		zap.Int("components", len(app.Components)),
		zap.Int("triggers", len(app.Triggers)),
	)
	return app, nil
}

// resolver maps one content reference to a local path, or to "" when the
// reference is inline.
type resolver interface {
	component(ref locked.ContentRef) (string, error)
	file(ref locked.ContentRef) (string, error)
}

func (s *Source) resolveContent(ctx context.Context, app *locked.App, r resolver) error {
	appKey := s.layer.Digest().Encoded()

	for i := range app.Components {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := &app.Components[i]

		if c.Source.Content.Inline == nil {
			path, err := r.component(c.Source.Content)
			if err != nil {
				return withSubject(err, c.ID)
			}
			c.Source.Content = locked.ContentRef{Source: locked.FileURL(path)}
		}

		if len(c.Files) == 0 {
			continue
		}
		dir := s.cache.AssetsDir(appKey, c.ID)
		if err := materializeFiles(dir, c.Files, r); err != nil {
			return withSubject(err, c.ID)
		}
		c.Files = []locked.ContentPath{{
			Content: locked.ContentRef{Source: locked.FileURL(dir)},
			Path:    "/",
		}}
	}
	return nil
}

func withSubject(err error, subject string) error {
	var e *errors.Error
	if errors.As(err, &e) {
		if e.Subject == "" {
			e.Subject = subject
		}
		return e
	}
	return errors.IO(errors.PhaseResolve, "component "+subject, err)
}

// putWasm stores component code, accepting precompiled replacements.
func (s *Source) putWasm(l oci.Layer) (string, error) {
	if s.detector != nil && s.detector.DetectPrecompiled(l.Content) {
		return s.cache.PutPrecompiled(l.Digest(), l.Content)
	}
	return s.cache.PutWasm(l.Digest(), l.Content)
}

func (s *Source) fromBareModule() (*locked.App, error) {
	path, err := s.putWasm(s.layer)
	if err != nil {
		return nil, errors.IO(errors.PhaseResolve, "cache wasm layer", err)
	}

	id := componentID(s.layer.Annotation(ocispec.AnnotationTitle))
	return &locked.App{
		SpinLockVersion: locked.Version,
		Metadata:        map[string]any{"name": id},
		Components: []locked.Component{{
			ID: id,
			Source: locked.ContentSource{
				ContentType: ContentTypeWasm,
				Content:     locked.ContentRef{Source: locked.FileURL(path)},
			},
		}},
	}, nil
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9]+`)

// componentID derives a kebab-case id from a layer title such as
// "Hello_World.wasm".
func componentID(title string) string {
	stem := strings.TrimSuffix(filepath.Base(title), filepath.Ext(title))
	if title == "" || stem == "." || stem == "/" {
		return DefaultComponentID
	}
	id := strings.Trim(nonIDChars.ReplaceAllString(strings.ToLower(stem), "-"), "-")
	if id == "" || id[0] < 'a' || id[0] > 'z' {
		return DefaultComponentID
	}
	return id
}

// layerResolver resolves digests among the image's sibling layers.
type layerResolver struct {
	s *Source
}

func (s *Source) fromLayers() (*locked.App, resolver, error) {
	app, err := locked.Decode(s.layer.Content)
	if err != nil {
		return nil, nil, err
	}
	return app, layerResolver{s: s}, nil
}

func (r layerResolver) component(ref locked.ContentRef) (string, error) {
	if ref.Digest == "" {
		return "", errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
			Detail("component source has neither inline content nor a digest").
			Build()
	}
	d, err := digest.Parse(ref.Digest)
	if err != nil {
		return "", errors.InvalidManifest("invalid component digest", err)
	}
	if l, ok := oci.FindByDigest(r.s.layers, d, oci.MediaTypeWasm); ok {
		path, err := r.s.putWasm(l)
		if err != nil {
			return "", errors.IO(errors.PhaseResolve, "cache wasm layer "+d.String(), err)
		}
		return path, nil
	}
	if path, ok := r.s.cache.Lookup(d); ok {
		return path, nil
	}
	return "", errors.NotFound(errors.PhaseResolve, "wasm layer", d.String())
}

func (r layerResolver) file(ref locked.ContentRef) (string, error) {
	if ref.Inline != nil {
		return "", nil
	}
	if ref.Digest == "" {
		return "", errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
			Detail("file content has neither inline content nor a digest").
			Build()
	}
	d, err := digest.Parse(ref.Digest)
	if err != nil {
		return "", errors.InvalidManifest("invalid file digest", err)
	}
	if l, ok := oci.FindByDigest(r.s.layers, d, oci.MediaTypeData); ok {
		path, err := r.s.cache.PutData(d, l.Content)
		if err != nil {
			return "", errors.IO(errors.PhaseResolve, "cache data layer "+d.String(), err)
		}
		return path, nil
	}
	if path, ok := r.s.cache.Lookup(d); ok {
		return path, nil
	}
	return "", errors.NotFound(errors.PhaseResolve, "data layer", d.String())
}
