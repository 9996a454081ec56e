// Package schema stores the versioned schemas of a table. A published schema
// is never modified; evolution publishes schema-{id+1} with create-if-absent.
package schema

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/spec"
)

const (
	// Dir is the schema directory below the table root.
	Dir = "schema"

	filePrefix = "schema-"

	// maxCommitAttempts bounds retries when concurrent evolutions race.
	maxCommitAttempts = 10
)

// Manager reads and publishes schemas.
type Manager struct {
	fio  fileio.FileIO
	root string

	mu    sync.RWMutex
	cache map[int64]*spec.TableSchema
}

// NewManager creates a schema manager for the table at root.
func NewManager(fio fileio.FileIO, root string) *Manager {
	return &Manager{fio: fio, root: root, cache: make(map[int64]*spec.TableSchema)}
}

// Path returns the schema file path of id.
func (m *Manager) Path(id int64) string {
	return fileio.Join(m.root, Dir, filePrefix+strconv.FormatInt(id, 10))
}

// Create publishes s as schema 0. It fails with errs.ErrAlreadyExists when the
// table already has a schema.
func (m *Manager) Create(ctx context.Context, s *spec.TableSchema) (*spec.TableSchema, error) {
	s = s.Copy()
	s.ID = 0
	s.Version = spec.CurrentSchemaVersion
	if err := m.check(s); err != nil {
		return nil, err
	}
	if err := m.publish(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get reads schema id.
func (m *Manager) Get(ctx context.Context, id int64) (*spec.TableSchema, error) {
	m.mu.RLock()
	s, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	data, err := m.fio.Read(ctx, m.Path(id))
	if err != nil {
		return nil, err
	}
	s = &spec.TableSchema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "decode schema %d", id)
	}
	if s.ID != id {
		return nil, errors.Newf("schema file %d holds id %d", id, s.ID)
	}
	m.remember(s)
	return s, nil
}

// Latest returns the newest schema, or an errs.ErrNotFound error when the
// table has none.
func (m *Manager) Latest(ctx context.Context) (*spec.TableSchema, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	id := int64(-1)
	if len(ids) > 0 {
		id = ids[len(ids)-1]
	}
	for {
		ok, err := m.fio.Exists(ctx, m.Path(id+1))
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		id++
	}
	if id < 0 {
		return nil, errs.NotFound(fileio.Join(m.root, Dir))
	}
	return m.Get(ctx, id)
}

// List returns the ids of all schema files, ascending.
func (m *Manager) List(ctx context.Context) ([]int64, error) {
	files, err := m.fio.List(ctx, fileio.Join(m.root, Dir))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, f := range files {
		name := fileio.Base(f.Path)
		if !strings.HasPrefix(name, filePrefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(name, filePrefix), 10, 64)
		if err != nil || id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Commit applies changes to the latest schema and publishes the result. A
// concurrent evolution that takes the id first makes it start over from the
// new latest schema.
func (m *Manager) Commit(ctx context.Context, changes ...spec.SchemaChange) (*spec.TableSchema, error) {
	for range maxCommitAttempts {
		cur, err := m.Latest(ctx)
		if err != nil {
			return nil, err
		}
		next, err := spec.ApplyChanges(cur, changes...)
		if err != nil {
			return nil, err
		}
		if err := m.check(next); err != nil {
			return nil, err
		}
		if err := checkLayout(cur, next); err != nil {
			return nil, err
		}
		err = m.publish(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, err
		}
	}
	return nil, errs.Conflict("schema evolution lost %d races", maxCommitAttempts)
}

func (m *Manager) check(s *spec.TableSchema) error {
	if err := s.Validate(); err != nil {
		return errs.SchemaIncompatible("schema %d: %v", s.ID, err)
	}
	if _, err := config.FromMap(s.Options); err != nil {
		return errs.SchemaIncompatible("schema %d options: %v", s.ID, err)
	}
	return nil
}

// checkLayout rejects option changes that would change how existing files are
// bucketed or merged.
func checkLayout(cur, next *spec.TableSchema) error {
	a, err := config.FromMap(cur.Options)
	if err != nil {
		return errs.SchemaIncompatible("schema %d options: %v", cur.ID, err)
	}
	b, err := config.FromMap(next.Options)
	if err != nil {
		return errs.SchemaIncompatible("schema %d options: %v", next.ID, err)
	}
	if a.Bucket != b.Bucket {
		return errs.SchemaIncompatible("option %s cannot change from %d to %d", config.KeyBucket, a.Bucket, b.Bucket)
	}
	if a.MergeEngine != b.MergeEngine {
		return errs.SchemaIncompatible("option %s cannot change from %s to %s", config.KeyMergeEngine, a.MergeEngine, b.MergeEngine)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, s *spec.TableSchema) error {
	s.TimeMillis = time.Now().UnixMilli()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode schema")
	}
	if err := m.fio.CreateIfAbsent(ctx, m.Path(s.ID), data); err != nil {
		return err
	}
	m.remember(s)
	return nil
}

func (m *Manager) remember(s *spec.TableSchema) {
	m.mu.Lock()
	m.cache[s.ID] = s
	m.mu.Unlock()
}
