// Package cache is the content-addressed store the source resolver writes
// component code and assets into.
//
// Layout under the root:
//
//	wasm/<algorithm>/<hex>    component code
//	data/<algorithm>/<hex>    static assets
//	apps/<key>/               unpacked application archives
//	assets/<key>/<component>/ per-component file mounts
package cache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

const (
	wasmDir   = "wasm"
	dataDir   = "data"
	appsDir   = "apps"
	assetsDir = "assets"
)

// Cache is a directory tree of blobs keyed by digest. Writers are the
// resolver only; executors read paths it returned.
type Cache struct {
	root string
}

// New creates the cache layout under root.
func New(root string) (*Cache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{wasmDir, dataDir, appsDir, assetsDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &Cache{root: abs}, nil
}

// Root returns the absolute cache root.
func (c *Cache) Root() string {
	return c.root
}

func (c *Cache) blobPath(kind string, d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", d, err)
	}
	return filepath.Join(c.root, kind, d.Algorithm().String(), d.Encoded()), nil
}

// WasmPath returns where component code with digest d is stored.
func (c *Cache) WasmPath(d digest.Digest) (string, error) {
	return c.blobPath(wasmDir, d)
}

// DataPath returns where an asset with digest d is stored.
func (c *Cache) DataPath(d digest.Digest) (string, error) {
	return c.blobPath(dataDir, d)
}

// AppDir returns the extraction directory for an application archive.
func (c *Cache) AppDir(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", d, err)
	}
	return filepath.Join(c.root, appsDir, d.Encoded()), nil
}

// AssetsDir returns the file mount directory of one component.
func (c *Cache) AssetsDir(appKey, componentID string) string {
	return filepath.Join(c.root, assetsDir, appKey, componentID)
}

// PutWasm verifies content against d and stores it as component code.
func (c *Cache) PutWasm(d digest.Digest, content []byte) (string, error) {
	return c.put(wasmDir, d, content)
}

// PutData verifies content against d and stores it as an asset.
func (c *Cache) PutData(d digest.Digest, content []byte) (string, error) {
	return c.put(dataDir, d, content)
}

func (c *Cache) put(kind string, d digest.Digest, content []byte) (string, error) {
	path, err := c.blobPath(kind, d)
	if err != nil {
		return "", err
	}
	if err := verify(d, bytes.NewReader(content)); err != nil {
		return "", err
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() == int64(len(content)) {
		return path, nil
	}
	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// PutPrecompiled stores a precompiled artifact at the code path of the
// layer it replaced. The artifact cannot be verified against d.
func (c *Cache) PutPrecompiled(d digest.Digest, artifact []byte) (string, error) {
	path, err := c.WasmPath(d)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(path, artifact); err != nil {
		return "", err
	}
	return path, nil
}

// Lookup returns the stored path for d, searching code then assets.
func (c *Cache) Lookup(d digest.Digest) (string, bool) {
	for _, kind := range []string{wasmDir, dataDir} {
		path, err := c.blobPath(kind, d)
		if err != nil {
			return "", false
		}
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Read returns the content stored for d after re-verifying it.
func (c *Cache) Read(d digest.Digest) ([]byte, error) {
	path, ok := c.Lookup(d)
	if !ok {
		return nil, fmt.Errorf("%s: %w", d, os.ErrNotExist)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := verify(d, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func verify(d digest.Digest, r io.Reader) error {
	v := d.Verifier()
	if _, err := io.Copy(v, r); err != nil {
		return err
	}
	if !v.Verified() {
		return fmt.Errorf("content does not match digest %s", d)
	}
	return nil
}

func writeAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
