package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem writes objects under a root directory. Keys map to relative
// paths; writes go through a temp file and rename so readers never see a
// partial object.
type Filesystem struct {
	root string
}

// NewFilesystem creates root if needed. A leading ~/ expands to the home
// directory.
func NewFilesystem(root string) (*Filesystem, error) {
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		root = filepath.Join(home, root[2:])
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("filesystem storage requires a root directory")
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &Filesystem{root: root}, nil
}

// Path returns where key is stored.
func (f *Filesystem) Path(key string) (string, error) {
	p := filepath.Join(f.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("key %q escapes the output directory", key)
	}
	return p, nil
}

// Store atomically replaces the file for key.
func (f *Filesystem) Store(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := f.Path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return unavailable("mkdir", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return unavailable("create temp", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return unavailable("write", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return unavailable("close", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return unavailable("rename", key, err)
	}

	return nil
}

// Close is a no-op.
func (f *Filesystem) Close() error { return nil }
