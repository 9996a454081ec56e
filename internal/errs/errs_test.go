package errs

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"io failure", IOFailure(base, "read", "a/b"), true},
		{"wrapped io failure", errors.Wrap(IOFailure(base, "read", "a/b"), "outer"), true},
		{"not found", NotFound("a/b"), false},
		{"io failure over not found", IOFailure(NotFound("a/b"), "read", "a/b"), false},
		{"already exists", AlreadyExists("a/b"), false},
		{"canceled", IOFailure(context.Canceled, "read", "a/b"), false},
		{"conflict", Conflict("lost race for %d", 3), false},
		{"plain", base, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarksSurviveWrapping(t *testing.T) {
	err := errors.Wrapf(CorruptManifest("manifest-1", "bad kind %d", 7), "resolve")
	if !errors.Is(err, ErrCorruptManifest) {
		t.Fatalf("expected ErrCorruptManifest in %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("unexpected ErrConflict in %v", err)
	}
	if !IsConflict(errors.Wrap(Conflict("x"), "commit")) {
		t.Fatalf("IsConflict = false, want true")
	}
	if !errors.Is(SchemaIncompatible("col %q", "a"), ErrSchemaIncompatible) {
		t.Fatalf("expected ErrSchemaIncompatible")
	}
	if !errors.Is(OrphanFile("p", "unreferenced"), ErrOrphanFile) {
		t.Fatalf("expected ErrOrphanFile")
	}
	if !errors.Is(SnapshotNotFound(4), ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound")
	}
}
