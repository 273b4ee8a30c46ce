package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidName is returned for names that would escape the archive root.
var ErrInvalidName = errors.New("storage: invalid file name")

// Archive keeps rendered files on disk under a single root directory.
type Archive struct {
	root string
}

// NewArchive creates root when missing.
func NewArchive(root string) (*Archive, error) {
	if root == "" {
		root = "./exports"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Archive{root: root}, nil
}

// Put streams r into name and returns the stored size.
func (a *Archive) Put(name string, r io.Reader) (int64, error) {
	path, err := a.resolve(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("prepare archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("publish archive file: %w", err)
	}
	return n, nil
}

// Open returns a read handle for name. Missing files report os.ErrNotExist.
func (a *Archive) Open(name string) (*os.File, error) {
	path, err := a.resolve(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	return file, nil
}

// Remove deletes name if present.
func (a *Archive) Remove(name string) error {
	path, err := a.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove archive file: %w", err)
	}
	return nil
}

// Sweep removes files last modified before now minus age and returns their
// names relative to the root.
func (a *Archive) Sweep(age time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-age)
	removed := []string{}
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if rel, err := filepath.Rel(a.root, path); err == nil {
			path = rel
		}
		removed = append(removed, filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep archive: %w", err)
	}
	return removed, nil
}

func (a *Archive) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidName
	}
	return filepath.Join(a.root, clean), nil
}
