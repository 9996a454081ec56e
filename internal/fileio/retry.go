package fileio

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/freeeve/lakehouse/internal/errs"
)

// Backoff is an exponential backoff policy with full jitter.
type Backoff struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// Wait returns the delay before retry number attempt (0-based).
func (b Backoff) Wait(attempt int) time.Duration {
	if b.MinWait <= 0 {
		return 0
	}
	d := b.MinWait
	for i := 0; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if b.MaxWait > 0 && d > b.MaxWait {
		d = b.MaxWait
	}
	// Jitter in [d/2, d) so concurrent committers spread out.
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half))
}

// Sleep waits for attempt's backoff or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	d := b.Wait(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out of
// retries.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !errs.IsRetryable(err) || attempt >= b.MaxRetries {
			return err
		}
		if serr := b.Sleep(ctx, attempt); serr != nil {
			return err
		}
	}
}

// Retrying retries transient IOFailures of the wrapped FileIO.
type Retrying struct {
	inner   FileIO
	backoff Backoff
}

// NewRetrying wraps inner with backoff.
func NewRetrying(inner FileIO, backoff Backoff) *Retrying {
	return &Retrying{inner: inner, backoff: backoff}
}

// CreateIfAbsent is retried like the other primitives. A retry after a create
// that actually landed reports ErrAlreadyExists; callers that own the path
// (data and manifest files, which have unique names) treat that as success.
func (r *Retrying) CreateIfAbsent(ctx context.Context, path string, data []byte) error {
	return r.backoff.Do(ctx, func() error { return r.inner.CreateIfAbsent(ctx, path, data) })
}

func (r *Retrying) Overwrite(ctx context.Context, path string, data []byte) error {
	return r.backoff.Do(ctx, func() error { return r.inner.Overwrite(ctx, path, data) })
}

func (r *Retrying) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.backoff.Do(ctx, func() error {
		var err error
		data, err = r.inner.Read(ctx, path)
		return err
	})
	return data, err
}

func (r *Retrying) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.backoff.Do(ctx, func() error {
		var err error
		ok, err = r.inner.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]FileStatus, error) {
	var out []FileStatus
	err := r.backoff.Do(ctx, func() error {
		var err error
		out, err = r.inner.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, path string) error {
	return r.backoff.Do(ctx, func() error { return r.inner.Delete(ctx, path) })
}
