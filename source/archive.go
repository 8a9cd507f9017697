package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

// LockFileName is the manifest at the root of an application archive.
const LockFileName = "spin.lock"

// archiveResolver resolves references inside an extracted archive.
type archiveResolver struct {
	s   *Source
	dir string
}

func (s *Source) fromArchive(ctx context.Context) (*locked.App, resolver, error) {
	dir, err := s.cache.AppDir(s.layer.Digest())
	if err != nil {
		return nil, nil, errors.IO(errors.PhaseResolve, "archive directory", err)
	}

	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		if err := extractArchive(ctx, s.layer.Content, dir); err != nil {
			return nil, nil, err
		}
		s.logger.Debug("extracted application archive", zap.String("dir", dir))
	}

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NotFound(errors.PhaseResolve, "archive entry", LockFileName)
		}
		return nil, nil, errors.IO(errors.PhaseResolve, "read "+LockFileName, err)
	}
	app, err := locked.Decode(data)
	if err != nil {
		return nil, nil, err
	}

	r := archiveResolver{s: s, dir: dir}
	if err := r.importBlobs(ctx); err != nil {
		return nil, nil, err
	}
	return app, r, nil
}

// extractArchive unpacks a tar+gzip archive into dir. Extraction happens in
// a sibling temp directory that is renamed into place.
func extractArchive(ctx context.Context, content []byte, dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.IO(errors.PhaseResolve, "create apps dir", err)
	}
	tmp, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return errors.IO(errors.PhaseResolve, "create extraction dir", err)
	}
	defer os.RemoveAll(tmp)

	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return errors.InvalidManifest("application archive is not gzip", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.InvalidManifest("read application archive", err)
		}

		name := strings.TrimPrefix(filepath.FromSlash(header.Name), "."+string(filepath.Separator))
		if name == "" || name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(header.Name).
				Detail("archive entry escapes the extraction directory").
				Build()
		}
		target := filepath.Join(tmp, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.IO(errors.PhaseResolve, "mkdir "+name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return errors.IO(errors.PhaseResolve, "write "+name, err)
			}
		case tar.TypeXGlobalHeader:
		default:
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(header.Name).
				Detail("unsupported archive entry type %q", header.Typeflag).
				Build()
		}
	}

	if _, err := os.Stat(filepath.Join(tmp, LockFileName)); err != nil {
		return errors.NotFound(errors.PhaseResolve, "archive entry", LockFileName)
	}
	if err := os.Rename(tmp, dir); err != nil {
		// Another resolver finished first.
		if _, statErr := os.Stat(filepath.Join(dir, LockFileName)); statErr == nil {
			return nil
		}
		return errors.IO(errors.PhaseResolve, "install extracted archive", err)
	}
	return nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// importBlobs verifies blobs/<algorithm>/<hex> entries and inserts them
// into the cache.
func (r archiveResolver) importBlobs(ctx context.Context) error {
	root := filepath.Join(r.dir, "blobs")
	algos, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.IO(errors.PhaseResolve, "read archive blobs", err)
	}

	for _, algo := range algos {
		if !algo.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, algo.Name()))
		if err != nil {
			return errors.IO(errors.PhaseResolve, "read archive blobs", err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			d := digest.NewDigestFromEncoded(digest.Algorithm(algo.Name()), e.Name())
			if err := d.Validate(); err != nil {
				return errors.InvalidManifest("archive blob name", err)
			}
			content, err := os.ReadFile(filepath.Join(root, algo.Name(), e.Name()))
			if err != nil {
				return errors.IO(errors.PhaseResolve, "read blob "+d.String(), err)
			}
			if _, err := r.s.cache.PutData(d, content); err != nil {
				return errors.Wrap(errors.PhaseResolve, errors.KindInvalidManifest, err, "archive blob "+d.String())
			}
		}
	}
	return nil
}

// local resolves a source URL or path inside the extraction directory.
func (r archiveResolver) local(ref locked.ContentRef) (string, error) {
	p, ok := ref.LocalPath()
	if !ok {
		return "", errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
			Subject(ref.Source).
			Detail("unsupported content source").
			Build()
	}
	rel := strings.TrimLeft(p, string(filepath.Separator))
	if rel == "" {
		return r.dir, nil
	}
	if !filepath.IsLocal(rel) {
		return "", errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
			Subject(ref.Source).
			Detail("content source escapes the application archive").
			Build()
	}
	path := filepath.Join(r.dir, rel)
	if _, err := os.Stat(path); err != nil {
		return "", errors.NotFound(errors.PhaseResolve, "archive entry", rel)
	}
	return path, nil
}

func (r archiveResolver) byDigest(ref locked.ContentRef, put func(digest.Digest, []byte) (string, error)) (string, error) {
	d, err := digest.Parse(ref.Digest)
	if err != nil {
		return "", errors.InvalidManifest("invalid content digest", err)
	}
	data, err := r.s.cache.Read(d)
	if err != nil {
		return "", errors.NotFound(errors.PhaseResolve, "archive blob", d.String())
	}
	return put(d, data)
}

// blob returns the cached path of an imported archive blob.
func (r archiveResolver) blob(d digest.Digest) (string, error) {
	path, ok := r.s.cache.Lookup(d)
	if !ok {
		return "", errors.NotFound(errors.PhaseResolve, "archive blob", d.String())
	}
	return path, nil
}

func (r archiveResolver) component(ref locked.ContentRef) (string, error) {
	switch {
	case ref.Source != "":
		return r.local(ref)
	case ref.Digest != "":
		return r.byDigest(ref, r.s.cache.PutWasm)
	default:
		return "", fmt.Errorf("component source has no content")
	}
}

func (r archiveResolver) file(ref locked.ContentRef) (string, error) {
	switch {
	case ref.Inline != nil:
		return "", nil
	case ref.Source != "":
		return r.local(ref)
	case ref.Digest != "":
		return r.byDigest(ref, func(d digest.Digest, _ []byte) (string, error) {
			return r.blob(d)
		})
	default:
		return "", fmt.Errorf("file has no content")
	}
}
