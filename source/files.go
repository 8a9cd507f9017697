package source

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

// materializeFiles lays a component's files out under dir, which becomes
// the component's single directory mount.
func materializeFiles(dir string, files []locked.ContentPath, r resolver) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.IO(errors.PhaseResolve, "reset asset dir", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.IO(errors.PhaseResolve, "create asset dir", err)
	}

	for _, f := range files {
		rel := strings.TrimLeft(filepath.FromSlash(f.Path), string(filepath.Separator))
		if rel != "" && !filepath.IsLocal(rel) {
			return errors.New(errors.PhaseResolve, errors.KindInvalidManifest).
				Subject(f.Path).
				Detail("file path escapes the component mount").
				Build()
		}
		target := filepath.Join(dir, rel)

		if f.Content.Inline != nil {
			if err := writeFile(target, f.Content.Inline); err != nil {
				return errors.IO(errors.PhaseResolve, "write "+f.Path, err)
			}
			continue
		}

		src, err := r.file(f.Content)
		if err != nil {
			return err
		}
		fi, err := os.Stat(src)
		if err != nil {
			return errors.IO(errors.PhaseResolve, "stat "+src, err)
		}
		if fi.IsDir() {
			err = copyTree(src, target)
		} else {
			err = copyFile(src, target)
		}
		if err != nil {
			return errors.IO(errors.PhaseResolve, "copy "+f.Path, err)
		}
	}
	return nil
}

func writeFile(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

func copyFile(src, target string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeEntry(target, in)
}

func copyTree(src, target string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(target, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(dst, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, dst)
		default:
			return nil
		}
	})
}

