// Package storage is the object storage collaborator used for deliverable
// evidence and rendered contract documents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var ErrNotExist = errors.New("object does not exist")

type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Store is the subset of object storage the engine needs.
type Store interface {
	Stat(ctx context.Context, objectPath string) (ObjectInfo, error)
	Put(ctx context.Context, objectPath string, r io.Reader) error
}

// FS stores objects as files under Root, keyed by slash separated paths.
type FS struct {
	Root string
}

// CleanPath normalizes an object path and rejects anything that escapes the root.
func CleanPath(objectPath string) (string, error) {
	p := strings.TrimSpace(objectPath)
	if p == "" {
		return "", fmt.Errorf("empty object path")
	}
	if strings.Contains(p, "\\") {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(p, "/") {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	return cleaned, nil
}

func (f FS) resolve(objectPath string) (string, string, error) {
	cleaned, err := CleanPath(objectPath)
	if err != nil {
		return "", "", err
	}
	return cleaned, filepath.Join(f.Root, filepath.FromSlash(cleaned)), nil
}

func (f FS) Stat(_ context.Context, objectPath string) (ObjectInfo, error) {
	cleaned, full, err := f.resolve(objectPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("%s: %w", cleaned, ErrNotExist)
		}
		return ObjectInfo{}, err
	}
	if st.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%s: %w", cleaned, ErrNotExist)
	}
	return ObjectInfo{Path: cleaned, Size: st.Size(), ModTime: st.ModTime().UTC()}, nil
}

// Put writes the object atomically via a temp file and rename.
func (f FS) Put(_ context.Context, objectPath string, r io.Reader) error {
	_, full, err := f.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), full)
}
