// Package config holds table options and binary configuration.
//
// Table options live in the schema as a string map (the form that is persisted
// with every schema version). FromMap turns that map into a typed Options value
// with defaults filled in.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// MergeEngine selects how rows sharing a primary key are combined.
type MergeEngine string

const (
	MergeEngineDeduplicate   MergeEngine = "deduplicate"
	MergeEnginePartialUpdate MergeEngine = "partial-update"
	MergeEngineAggregation   MergeEngine = "aggregation"
)

// ChangelogProducer selects how incremental reads obtain change events.
type ChangelogProducer string

const (
	// ChangelogNone derives changes by diffing merged views of two snapshots.
	ChangelogNone ChangelogProducer = "none"
	// ChangelogInput persists the written rows as changelog files.
	ChangelogInput ChangelogProducer = "input"
)

// Option keys.
const (
	KeyBucket                   = "bucket"
	KeyMergeEngine              = "merge-engine"
	KeyDefaultAggregateFunction = "fields.default-aggregate-function"
	KeyChangelogProducer        = "changelog-producer"
	KeyWriteBufferSize          = "write-buffer-size"
	KeyTargetFileSize           = "target-file-size"
	KeyWriteOnly                = "write-only"
	KeyCompactionTrigger        = "num-sorted-run.compaction-trigger"
	KeyStopTrigger              = "num-sorted-run.stop-trigger"
	KeyNumLevels                = "num-levels"
	KeyMaxSizeAmplification     = "compaction.max-size-amplification-percent"
	KeySizeRatio                = "compaction.size-ratio"
	KeyCommitMaxRetries         = "commit.max-retries"
	KeyCommitMinRetryWait       = "commit.min-retry-wait"
	KeyCommitMaxRetryWait       = "commit.max-retry-wait"
	KeyIOMaxRetries             = "io.max-retries"
	KeyIORetryWait              = "io.retry-wait"
	KeyIOMaxConcurrency         = "io.max-concurrency"
	KeyManifestMergeMinCount    = "manifest.merge-min-count"
	KeyManifestTargetFileSize   = "manifest.target-file-size"
	KeySnapshotNumRetainedMin   = "snapshot.num-retained.min"
	KeySnapshotNumRetainedMax   = "snapshot.num-retained.max"
	KeySnapshotTimeRetained     = "snapshot.time-retained"
	KeyOrphanFileOlderThan      = "orphan-file.older-than"
	KeyBloomFilterEnabled       = "file-index.bloom-filter.enabled"
	KeyBloomFilterFPP           = "file-index.bloom-filter.fpp"
	KeyIndexInManifestThreshold = "file-index.in-manifest-threshold"

	fieldsPrefix        = "fields."
	aggregateFuncSuffix = ".aggregate-function"
)

// Options are the typed table options.
type Options struct {
	Bucket            int               `yaml:"bucket"`
	MergeEngine       MergeEngine       `yaml:"merge-engine"`
	ChangelogProducer ChangelogProducer `yaml:"changelog-producer"`

	// FieldAggregates maps column name to aggregate function name for the
	// aggregation merge engine. Columns without an entry use DefaultAggregate.
	FieldAggregates  map[string]string `yaml:"field-aggregates,omitempty"`
	DefaultAggregate string            `yaml:"default-aggregate-function"`

	WriteBufferSize int64 `yaml:"write-buffer-size"`
	TargetFileSize  int64 `yaml:"target-file-size"`
	// WriteOnly disables compaction in writers; a dedicated compaction job
	// or the background scheduler is expected to run instead.
	WriteOnly bool `yaml:"write-only"`

	CompactionTrigger           int `yaml:"compaction-trigger"`
	StopTrigger                 int `yaml:"stop-trigger"`
	NumLevels                   int `yaml:"num-levels"`
	MaxSizeAmplificationPercent int `yaml:"max-size-amplification-percent"`
	SizeRatio                   int `yaml:"size-ratio"`

	CommitMaxRetries   int           `yaml:"commit-max-retries"`
	CommitMinRetryWait time.Duration `yaml:"commit-min-retry-wait"`
	CommitMaxRetryWait time.Duration `yaml:"commit-max-retry-wait"`

	IOMaxRetries     int           `yaml:"io-max-retries"`
	IORetryWait      time.Duration `yaml:"io-retry-wait"`
	IOMaxConcurrency int           `yaml:"io-max-concurrency"`

	ManifestMergeMinCount  int   `yaml:"manifest-merge-min-count"`
	ManifestTargetFileSize int64 `yaml:"manifest-target-file-size"`

	SnapshotNumRetainedMin int           `yaml:"snapshot-num-retained-min"`
	SnapshotNumRetainedMax int           `yaml:"snapshot-num-retained-max"`
	SnapshotTimeRetained   time.Duration `yaml:"snapshot-time-retained"`
	OrphanFileOlderThan    time.Duration `yaml:"orphan-file-older-than"`

	// BloomFilterEnabled adds a bloom filter over the primary keys of every
	// data file to its manifest entry. Filters that would encode larger than
	// IndexInManifestThreshold are not kept.
	BloomFilterEnabled       bool    `yaml:"bloom-filter-enabled"`
	BloomFilterFPP           float64 `yaml:"bloom-filter-fpp"`
	IndexInManifestThreshold int64   `yaml:"index-in-manifest-threshold"`
}

// Default returns options with every documented default. Trigger-derived
// values (stop trigger, level count) are filled in by FromMap.
func Default() Options {
	return Options{
		Bucket:                      4,
		MergeEngine:                 MergeEngineDeduplicate,
		ChangelogProducer:           ChangelogNone,
		DefaultAggregate:            "last_non_null_value",
		WriteBufferSize:             64 << 20,
		TargetFileSize:              128 << 20,
		CompactionTrigger:           5,
		StopTrigger:                 8,
		NumLevels:                   6,
		MaxSizeAmplificationPercent: 200,
		SizeRatio:                   1,
		CommitMaxRetries:            10,
		CommitMinRetryWait:          10 * time.Millisecond,
		CommitMaxRetryWait:          10 * time.Second,
		IOMaxRetries:                3,
		IORetryWait:                 50 * time.Millisecond,
		IOMaxConcurrency:            16,
		ManifestMergeMinCount:       30,
		ManifestTargetFileSize:      8 << 20,
		SnapshotNumRetainedMin:      10,
		SnapshotNumRetainedMax:      100,
		SnapshotTimeRetained:        time.Hour,
		OrphanFileOlderThan:         24 * time.Hour,
		BloomFilterEnabled:          true,
		BloomFilterFPP:              0.01,
		IndexInManifestThreshold:    500,
	}
}

// FromMap parses schema options. Unknown keys are ignored so options written
// by newer versions do not break older readers.
func FromMap(m map[string]string) (Options, error) {
	o := Default()
	p := parser{m: m}

	p.int(KeyBucket, &o.Bucket)
	if v, ok := m[KeyMergeEngine]; ok {
		o.MergeEngine = MergeEngine(strings.ToLower(v))
	}
	if v, ok := m[KeyChangelogProducer]; ok {
		o.ChangelogProducer = ChangelogProducer(strings.ToLower(v))
	}
	if v, ok := m[KeyDefaultAggregateFunction]; ok {
		o.DefaultAggregate = v
	}
	for k, v := range m {
		if strings.HasPrefix(k, fieldsPrefix) && strings.HasSuffix(k, aggregateFuncSuffix) {
			col := strings.TrimSuffix(strings.TrimPrefix(k, fieldsPrefix), aggregateFuncSuffix)
			if col == "" || col == "default" {
				continue
			}
			if o.FieldAggregates == nil {
				o.FieldAggregates = make(map[string]string)
			}
			o.FieldAggregates[col] = v
		}
	}

	p.size(KeyWriteBufferSize, &o.WriteBufferSize)
	p.size(KeyTargetFileSize, &o.TargetFileSize)
	p.bool(KeyWriteOnly, &o.WriteOnly)

	p.int(KeyCompactionTrigger, &o.CompactionTrigger)
	o.StopTrigger = o.CompactionTrigger + 3
	o.NumLevels = o.CompactionTrigger + 1
	p.int(KeyStopTrigger, &o.StopTrigger)
	p.int(KeyNumLevels, &o.NumLevels)
	p.int(KeyMaxSizeAmplification, &o.MaxSizeAmplificationPercent)
	p.int(KeySizeRatio, &o.SizeRatio)

	p.int(KeyCommitMaxRetries, &o.CommitMaxRetries)
	p.duration(KeyCommitMinRetryWait, &o.CommitMinRetryWait)
	p.duration(KeyCommitMaxRetryWait, &o.CommitMaxRetryWait)
	p.int(KeyIOMaxRetries, &o.IOMaxRetries)
	p.duration(KeyIORetryWait, &o.IORetryWait)
	p.int(KeyIOMaxConcurrency, &o.IOMaxConcurrency)

	p.int(KeyManifestMergeMinCount, &o.ManifestMergeMinCount)
	p.size(KeyManifestTargetFileSize, &o.ManifestTargetFileSize)

	p.int(KeySnapshotNumRetainedMin, &o.SnapshotNumRetainedMin)
	p.int(KeySnapshotNumRetainedMax, &o.SnapshotNumRetainedMax)
	p.duration(KeySnapshotTimeRetained, &o.SnapshotTimeRetained)
	p.duration(KeyOrphanFileOlderThan, &o.OrphanFileOlderThan)

	p.bool(KeyBloomFilterEnabled, &o.BloomFilterEnabled)
	p.float(KeyBloomFilterFPP, &o.BloomFilterFPP)
	p.size(KeyIndexInManifestThreshold, &o.IndexInManifestThreshold)

	if p.err != nil {
		return Options{}, p.err
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks option ranges.
func (o Options) Validate() error {
	switch {
	case o.Bucket < 1:
		return errors.Newf("%s must be positive, got %d", KeyBucket, o.Bucket)
	case o.CompactionTrigger < 1:
		return errors.Newf("%s must be positive, got %d", KeyCompactionTrigger, o.CompactionTrigger)
	case o.StopTrigger < o.CompactionTrigger:
		return errors.Newf("%s (%d) must not be below %s (%d)",
			KeyStopTrigger, o.StopTrigger, KeyCompactionTrigger, o.CompactionTrigger)
	case o.NumLevels < 2:
		return errors.Newf("%s must be at least 2, got %d", KeyNumLevels, o.NumLevels)
	case o.WriteBufferSize <= 0 || o.TargetFileSize <= 0 || o.ManifestTargetFileSize <= 0:
		return errors.New("buffer and file sizes must be positive")
	case o.CommitMaxRetries < 0 || o.IOMaxRetries < 0:
		return errors.New("retry counts must not be negative")
	case o.SnapshotNumRetainedMin < 1:
		return errors.Newf("%s must be at least 1, got %d", KeySnapshotNumRetainedMin, o.SnapshotNumRetainedMin)
	case o.SnapshotNumRetainedMax < o.SnapshotNumRetainedMin:
		return errors.Newf("%s must not be below %s", KeySnapshotNumRetainedMax, KeySnapshotNumRetainedMin)
	case o.BloomFilterFPP <= 0 || o.BloomFilterFPP >= 1:
		return errors.Newf("%s must be in (0, 1), got %g", KeyBloomFilterFPP, o.BloomFilterFPP)
	}
	switch o.MergeEngine {
	case MergeEngineDeduplicate, MergeEnginePartialUpdate, MergeEngineAggregation:
	default:
		return errors.Newf("unknown %s %q", KeyMergeEngine, o.MergeEngine)
	}
	switch o.ChangelogProducer {
	case ChangelogNone, ChangelogInput:
	default:
		return errors.Newf("unknown %s %q", KeyChangelogProducer, o.ChangelogProducer)
	}
	return nil
}

// AggregateFunction returns the aggregate function name for column.
func (o Options) AggregateFunction(column string) string {
	if f, ok := o.FieldAggregates[column]; ok {
		return f
	}
	return o.DefaultAggregate
}

// ToMap renders the options back into schema form.
func (o Options) ToMap() map[string]string {
	m := map[string]string{
		KeyBucket:                   strconv.Itoa(o.Bucket),
		KeyMergeEngine:              string(o.MergeEngine),
		KeyChangelogProducer:        string(o.ChangelogProducer),
		KeyDefaultAggregateFunction: o.DefaultAggregate,
		KeyWriteBufferSize:          strconv.FormatInt(o.WriteBufferSize, 10),
		KeyTargetFileSize:           strconv.FormatInt(o.TargetFileSize, 10),
		KeyWriteOnly:                strconv.FormatBool(o.WriteOnly),
		KeyCompactionTrigger:        strconv.Itoa(o.CompactionTrigger),
		KeyStopTrigger:              strconv.Itoa(o.StopTrigger),
		KeyNumLevels:                strconv.Itoa(o.NumLevels),
		KeyMaxSizeAmplification:     strconv.Itoa(o.MaxSizeAmplificationPercent),
		KeySizeRatio:                strconv.Itoa(o.SizeRatio),
		KeyCommitMaxRetries:         strconv.Itoa(o.CommitMaxRetries),
		KeyCommitMinRetryWait:       o.CommitMinRetryWait.String(),
		KeyCommitMaxRetryWait:       o.CommitMaxRetryWait.String(),
		KeyIOMaxRetries:             strconv.Itoa(o.IOMaxRetries),
		KeyIORetryWait:              o.IORetryWait.String(),
		KeyIOMaxConcurrency:         strconv.Itoa(o.IOMaxConcurrency),
		KeyManifestMergeMinCount:    strconv.Itoa(o.ManifestMergeMinCount),
		KeyManifestTargetFileSize:   strconv.FormatInt(o.ManifestTargetFileSize, 10),
		KeySnapshotNumRetainedMin:   strconv.Itoa(o.SnapshotNumRetainedMin),
		KeySnapshotNumRetainedMax:   strconv.Itoa(o.SnapshotNumRetainedMax),
		KeySnapshotTimeRetained:     o.SnapshotTimeRetained.String(),
		KeyOrphanFileOlderThan:      o.OrphanFileOlderThan.String(),
		KeyBloomFilterEnabled:       strconv.FormatBool(o.BloomFilterEnabled),
		KeyBloomFilterFPP:           strconv.FormatFloat(o.BloomFilterFPP, 'g', -1, 64),
		KeyIndexInManifestThreshold: strconv.FormatInt(o.IndexInManifestThreshold, 10),
	}
	for col, fn := range o.FieldAggregates {
		m[fieldsPrefix+col+aggregateFuncSuffix] = fn
	}
	return m
}

// String lists the options one per line, sorted by key.
func (o Options) String() string {
	m := o.ToMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, m[k])
	}
	return b.String()
}

// parser records the first parse error and ignores the rest.
type parser struct {
	m   map[string]string
	err error
}

func (p *parser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.m[key]
	return strings.TrimSpace(v), ok
}

func (p *parser) int(key string, dst *int) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = errors.Wrapf(err, "option %s", key)
		return
	}
	*dst = n
}

func (p *parser) bool(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = errors.Wrapf(err, "option %s", key)
		return
	}
	*dst = b
}

func (p *parser) float(key string, dst *float64) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = errors.Wrapf(err, "option %s", key)
		return
	}
	*dst = f
}

func (p *parser) size(key string, dst *int64) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := ParseSize(v)
	if err != nil {
		p.err = errors.Wrapf(err, "option %s", key)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		p.err = errors.Wrapf(err, "option %s", key)
		return
	}
	*dst = d
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
	{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// ParseSize parses "128mb", "64 MiB", "4k" or a plain byte count.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid size %q", s)
	}
	if n < 0 {
		return 0, errors.Newf("negative size %d", n)
	}
	return n * mult, nil
}

// ParseDuration accepts Go durations ("10s", "1h") or plain milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return 0, errors.Newf("invalid duration %q", s)
	}
	return d, nil
}
