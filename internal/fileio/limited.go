package fileio

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of concurrent operations against the wrapped
// FileIO. One Limited belongs to one table instance.
type Limited struct {
	inner FileIO
	sem   *semaphore.Weighted
}

// NewLimited allows at most n concurrent operations.
func NewLimited(inner FileIO, n int) *Limited {
	if n <= 0 {
		n = 1
	}
	return &Limited{inner: inner, sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limited) acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *Limited) CreateIfAbsent(ctx context.Context, path string, data []byte) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return l.inner.CreateIfAbsent(ctx, path, data)
}

func (l *Limited) Overwrite(ctx context.Context, path string, data []byte) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return l.inner.Overwrite(ctx, path, data)
}

func (l *Limited) Read(ctx context.Context, path string) ([]byte, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.Read(ctx, path)
}

func (l *Limited) Exists(ctx context.Context, path string) (bool, error) {
	if err := l.acquire(ctx); err != nil {
		return false, err
	}
	defer l.sem.Release(1)
	return l.inner.Exists(ctx, path)
}

func (l *Limited) List(ctx context.Context, prefix string) ([]FileStatus, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.List(ctx, prefix)
}

func (l *Limited) Delete(ctx context.Context, path string) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return l.inner.Delete(ctx, path)
}
