// Package fileio is the storage abstraction the table store runs on. Every
// table file is written once and never modified; the only mutable paths are the
// LATEST/EARLIEST hint files, written with Overwrite.
//
// The commit protocol depends on CreateIfAbsent being atomic under concurrent
// callers: exactly one caller creating a given path succeeds, every other one
// gets errs.ErrAlreadyExists, and a reader never observes a partial file.
package fileio

import (
	"context"
	"path"
	"strings"
	"time"
)

// FileStatus describes a listed file.
type FileStatus struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FileIO is the set of primitives the table store needs from a backing store.
// Paths are slash separated.
type FileIO interface {
	// CreateIfAbsent writes data to path only if nothing exists there yet.
	// Returns an errs.ErrAlreadyExists error otherwise.
	CreateIfAbsent(ctx context.Context, path string, data []byte) error
	// Overwrite atomically replaces path. Used for hint files only.
	Overwrite(ctx context.Context, path string, data []byte) error
	// Read returns the whole file, or an errs.ErrNotFound error.
	Read(ctx context.Context, path string) ([]byte, error)
	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)
	// List returns the files below prefix, recursively. Listing may be stale.
	List(ctx context.Context, prefix string) ([]FileStatus, error)
	// Delete removes path, or returns an errs.ErrNotFound error.
	Delete(ctx context.Context, path string) error
}

// Join joins path elements with slashes.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// Base returns the last path element.
func Base(p string) string {
	return path.Base(p)
}

// Rel strips root from p.
func Rel(root, p string) string {
	return strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
}
