package compact

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
)

type taskResult struct {
	res *mergetree.CompactResult
	err error
}

// Manager runs at most one compaction of a bucket at a time in its own
// goroutine. It implements mergetree.Compactor.
type Manager struct {
	store    *mergetree.RunStore
	picker   Picker
	rewriter *Rewriter
	log      zerolog.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan taskResult
}

// ManagerConfig configures a bucket compaction manager.
type ManagerConfig struct {
	Store         *mergetree.RunStore
	Picker        Picker
	RetainHistory bool
	NumLevels     int
	Logger        zerolog.Logger
	Metrics       *metrics.Collector
}

// NewManager creates the compaction manager of one bucket.
func NewManager(cfg ManagerConfig) *Manager {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	return &Manager{
		store:    cfg.Store,
		picker:   cfg.Picker,
		rewriter: NewRewriter(cfg.Store, cfg.RetainHistory, cfg.NumLevels),
		log:      cfg.Logger,
		metrics:  m,
	}
}

// Trigger starts a compaction when the picker finds one, or of every run
// when full is set.
func (m *Manager) Trigger(levels *mergetree.Levels, full bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return false
	}

	runs := levels.LevelSortedRuns()
	var u *Unit
	if full {
		u = FullUnit(levels.NumberOfLevels(), runs)
	} else {
		u = m.picker.Pick(levels.NumberOfLevels(), runs)
	}
	if u == nil || len(u.Files) == 0 {
		return false
	}
	dropDelete := DropDelete(u.OutputLevel, levels)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan taskResult, 1)
	m.cancel, m.done = cancel, done

	log := m.log.With().Int("output_level", u.OutputLevel).Int("input_files", len(u.Files)).Logger()
	log.Debug().Bool("full", full).Bool("drop_delete", dropDelete).Msg("compaction started")
	go func() {
		start := time.Now()
		res, err := m.rewriter.Rewrite(ctx, u, dropDelete)
		if err != nil {
			log.Warn().Err(err).Msg("compaction failed")
		} else {
			log.Info().
				Int("output_files", len(res.After)).
				Int64("input_bytes", spec.TotalFileSize(res.Before)).
				Int64("output_bytes", spec.TotalFileSize(res.After)).
				Dur("took", time.Since(start)).
				Msg("compaction finished")
		}
		done <- taskResult{res: res, err: err}
	}()
	return true
}

// Result returns the finished task's result, or nil when none is ready.
func (m *Manager) Result(ctx context.Context, block bool) (*mergetree.CompactResult, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil, nil
	}

	var r taskResult
	if block {
		select {
		case r = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case r = <-done:
		default:
			return nil, nil
		}
	}
	m.finish()
	if r.err != nil {
		return nil, r.err
	}
	m.metrics.AddCompaction(len(r.res.Before), len(r.res.After))
	return r.res, nil
}

func (m *Manager) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel, m.done = nil, nil
}

// Running reports whether a task is in flight or its result is unclaimed.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

// Cancel stops a running task, waits for it and deletes any files it wrote.
func (m *Manager) Cancel() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	r := <-done
	m.finish()
	if r.res == nil {
		return
	}
	if err := m.store.Delete(context.Background(), Outputs(r.res)); err != nil {
		m.log.Warn().Err(err).Msg("delete cancelled compaction output")
	}
}

// Outputs returns the files a compaction wrote.
func Outputs(res *mergetree.CompactResult) []*spec.DataFileMeta {
	return mergetree.CompactOutputs(res.Before, res.After)
}
