package task

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// LocalFile is a target backed by a path on the local filesystem
type LocalFile struct {
	Path string
}

// NewLocalFile creates a target for path
func NewLocalFile(path string) *LocalFile {
	return &LocalFile{Path: path}
}

// Exists reports whether the path exists
func (f *LocalFile) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(f.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// String returns the path
func (f *LocalFile) String() string {
	return f.Path
}
