package metrics

import (
	"sync"
	"testing"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/rs/zerolog"
)

type fakeSink struct {
	counters map[string]int64
	gauges   map[string]int64
}

func newFakeSink() *fakeSink {
	return &fakeSink{counters: make(map[string]int64), gauges: make(map[string]int64)}
}

func (f *fakeSink) Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error {
	f.counters[stat] += value
	return nil
}

func (f *fakeSink) Gauge(stat string, value int64, rate float32, tags ...statsd.Tag) error {
	f.gauges[stat] = value
	return nil
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncrementCommits()
				c.AddFlush(2, 10)
			}
		}()
	}
	wg.Wait()
	s := c.Stats()
	if s.Commits != 800 || s.Flushes != 800 || s.RowsWritten != 1600 || s.BytesWritten != 8000 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestReporterSendsDeltas(t *testing.T) {
	c := NewCollector()
	sink := newFakeSink()
	r := NewReporter(c, sink, zerolog.Nop())

	c.IncrementCommits()
	c.IncrementCommits()
	c.AddCompaction(3, 1)
	c.SetTableStats(7, 12)
	if err := r.Report(); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if sink.counters["commit.success"] != 2 || sink.counters["compaction.input_files"] != 3 {
		t.Errorf("counters = %v", sink.counters)
	}
	if sink.gauges["table.latest_snapshot"] != 7 || sink.gauges["table.live_files"] != 12 {
		t.Errorf("gauges = %v", sink.gauges)
	}

	c.IncrementCommits()
	if err := r.Report(); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if sink.counters["commit.success"] != 3 {
		t.Errorf("commit.success = %d after second report, want 3", sink.counters["commit.success"])
	}
	if sink.counters["compaction.input_files"] != 3 {
		t.Errorf("unchanged counter re-sent: %d", sink.counters["compaction.input_files"])
	}
}
