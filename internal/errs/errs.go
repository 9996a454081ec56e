// Package errs defines the error taxonomy shared by every layer of the table
// store. Errors are built with cockroachdb/errors and classified by marks, so
// callers test them with errors.Is against the sentinels below no matter how
// many times they were wrapped on the way up.
package errs

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrIOFailure marks transient storage failures. Retried with backoff.
	ErrIOFailure = errors.New("lakehouse: io failure")

	// ErrConflict marks a commit that lost the create-if-absent race or
	// failed re-validation after it.
	ErrConflict = errors.New("lakehouse: commit conflict")

	// ErrCorruptManifest marks manifest contents that fail structural checks.
	ErrCorruptManifest = errors.New("lakehouse: corrupt manifest")

	// ErrSchemaIncompatible marks rows or schema changes that disagree with
	// the current table schema.
	ErrSchemaIncompatible = errors.New("lakehouse: schema incompatible")

	// ErrOrphanFile marks a file that exists without a referencing manifest.
	ErrOrphanFile = errors.New("lakehouse: orphan file")

	ErrNotFound         = errors.New("lakehouse: not found")
	ErrAlreadyExists    = errors.New("lakehouse: already exists")
	ErrSnapshotNotFound = errors.New("lakehouse: snapshot not found")
	ErrClosed           = errors.New("lakehouse: closed")
)

// IOFailure wraps a storage error and marks it retryable.
func IOFailure(err error, op, path string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "%s %s", op, path), ErrIOFailure)
}

// NotFound returns an ErrNotFound-marked error for path.
func NotFound(path string) error {
	return errors.Mark(errors.Newf("%s does not exist", path), ErrNotFound)
}

// AlreadyExists returns an ErrAlreadyExists-marked error for path.
func AlreadyExists(path string) error {
	return errors.Mark(errors.Newf("%s already exists", path), ErrAlreadyExists)
}

// Conflict returns an ErrConflict-marked error.
func Conflict(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// CorruptManifest returns an ErrCorruptManifest-marked error naming the file.
func CorruptManifest(name string, format string, args ...any) error {
	return errors.Mark(
		errors.Wrapf(errors.Newf(format, args...), "manifest %s", name),
		ErrCorruptManifest,
	)
}

// WrapCorrupt marks an existing decode error as a corrupt manifest.
func WrapCorrupt(err error, name string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "manifest %s", name), ErrCorruptManifest)
}

// SchemaIncompatible returns an ErrSchemaIncompatible-marked error.
func SchemaIncompatible(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrSchemaIncompatible)
}

// OrphanFile returns an ErrOrphanFile-marked error. It is logged, never returned
// from a read or write path.
func OrphanFile(path, reason string) error {
	return errors.Mark(errors.Newf("%s: %s", path, reason), ErrOrphanFile)
}

// SnapshotNotFound returns an ErrSnapshotNotFound-marked error.
func SnapshotNotFound(id int64) error {
	return errors.Mark(errors.Newf("snapshot %d", id), ErrSnapshotNotFound)
}

// IsRetryable reports whether err is a transient storage failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return false
	}
	return errors.Is(err, ErrIOFailure)
}

// IsConflict reports whether err is a commit conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
