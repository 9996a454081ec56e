package compact

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task compacts one bucket and commits the result.
type Task struct {
	Partition []byte
	Bucket    int
	Run       func(ctx context.Context) error
}

// PlanFunc lists the buckets due for compaction.
type PlanFunc func(ctx context.Context) ([]Task, error)

// Scheduler runs planned bucket compactions of a table, periodically in the
// background or on demand.
type Scheduler struct {
	plan        PlanFunc
	concurrency int
	log         zerolog.Logger

	compacting  int32 // atomic: 1 while a round runs
	stop        chan struct{}
	done        chan struct{}
	cancelRound context.CancelFunc
}

// NewScheduler creates a scheduler running up to concurrency tasks at once.
func NewScheduler(plan PlanFunc, concurrency int, log zerolog.Logger) *Scheduler {
	return &Scheduler{plan: plan, concurrency: max(1, concurrency), log: log}
}

// RunOnce plans and runs one round. It returns nil right away when another
// round is in progress. Task errors are logged; the first one is returned
// after every task finished.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.compacting, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&s.compacting, 0)

	tasks, err := s.plan(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			if err := t.Run(ctx); err != nil {
				s.log.Warn().Err(err).Hex("partition", t.Partition).Int("bucket", t.Bucket).Msg("bucket compaction failed")
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	s.log.Info().Int("buckets", len(tasks)).Dur("took", time.Since(start)).Msg("compaction round finished")
	return err
}

// Start runs a round every interval until Stop.
func (s *Scheduler) Start(interval time.Duration) {
	if s.stop != nil {
		return // already running
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRound = cancel

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("background compaction failed")
				}
			}
		}
	}()

	s.log.Info().Dur("interval", interval).Msg("started background compaction")
}

// Stop cancels a running round and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	s.cancelRound()
	close(s.stop)
	<-s.done
	s.stop, s.done, s.cancelRound = nil, nil, nil
	s.log.Info().Msg("stopped background compaction")
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	return s.stop != nil
}
