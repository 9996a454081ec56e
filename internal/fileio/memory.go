package fileio

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/errs"
)

// Op names a FileIO primitive for fault injection.
type Op string

const (
	OpCreate    Op = "create"
	OpOverwrite Op = "overwrite"
	OpRead      Op = "read"
	OpList      Op = "list"
	OpDelete    Op = "delete"
)

type memFile struct {
	data    []byte
	modTime time.Time
}

// Memory is an in-process FileIO. It is strongly consistent and supports fault
// injection, which makes it the store of choice for tests.
type Memory struct {
	mu    sync.Mutex
	files map[string]memFile
	fail  map[Op]int
	calls map[Op]int

	// OnCreate, when set, runs before every CreateIfAbsent with the mutex
	// released. Tests use it to interleave a competing commit.
	OnCreate func(path string)
}

// NewMemory returns an empty in-memory FileIO.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]memFile),
		fail:  make(map[Op]int),
		calls: make(map[Op]int),
	}
}

// FailNext makes the next n calls of op fail with a retryable IOFailure.
func (m *Memory) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = n
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Paths returns every stored path with the given prefix, sorted.
func (m *Memory) Paths(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// injected must be called with mu held.
func (m *Memory) injected(op Op, path string) error {
	m.calls[op]++
	if m.fail[op] > 0 {
		m.fail[op]--
		return errs.IOFailure(errors.New("injected failure"), string(op), path)
	}
	return nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := m.OnCreate; hook != nil {
		hook(path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpCreate, path); err != nil {
		return err
	}
	if _, ok := m.files[path]; ok {
		return errs.AlreadyExists(path)
	}
	m.files[path] = memFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (m *Memory) Overwrite(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpOverwrite, path); err != nil {
		return err
	}
	m.files[path] = memFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (m *Memory) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpRead, path); err != nil {
		return nil, err
	}
	f, ok := m.files[path]
	if !ok {
		return nil, errs.NotFound(path)
	}
	return append([]byte(nil), f.data...), nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]FileStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpList, prefix); err != nil {
		return nil, err
	}
	dir := strings.TrimSuffix(prefix, "/") + "/"
	var out []FileStatus
	for p, f := range m.files {
		if strings.HasPrefix(p, dir) {
			out = append(out, FileStatus{Path: p, Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpDelete, path); err != nil {
		return err
	}
	if _, ok := m.files[path]; !ok {
		return errs.NotFound(path)
	}
	delete(m.files, path)
	return nil
}
