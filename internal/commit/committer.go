package commit

import (
	"context"
	"maps"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/errs"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/manifest"
	"github.com/freeeve/lakehouse/internal/metrics"
	"github.com/freeeve/lakehouse/internal/snapshot"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Config configures a Committer.
type Config struct {
	FileIO     fileio.FileIO
	Root       string
	Snapshots  *snapshot.Manager
	Manifests  *manifest.ManifestFile
	Lists      *manifest.ManifestList
	SchemaID   int64
	Options    config.Options
	CommitUser string
	// NewUser marks a commit user without snapshots, such as the generated
	// user of a dedicated compaction. Its commits skip the history lookup.
	NewUser bool
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Committer publishes committables of one commit user.
type Committer struct {
	fio       fileio.FileIO
	root      string
	snapshots *snapshot.Manager
	manifests *manifest.ManifestFile
	lists     *manifest.ManifestList
	schemaID  int64
	opts      config.Options
	user      string
	newUser   bool
	lastOwn   int64 // newest snapshot this committer published
	backoff   fileio.Backoff
	log       zerolog.Logger
	metrics   *metrics.Collector
}

// New creates a committer.
func New(cfg Config) *Committer {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	return &Committer{
		fio:       cfg.FileIO,
		root:      cfg.Root,
		snapshots: cfg.Snapshots,
		manifests: cfg.Manifests,
		lists:     cfg.Lists,
		schemaID:  cfg.SchemaID,
		opts:      cfg.Options,
		user:      cfg.CommitUser,
		newUser:   cfg.NewUser,
		backoff: fileio.Backoff{
			MaxRetries: cfg.Options.CommitMaxRetries,
			MinWait:    cfg.Options.CommitMinRetryWait,
			MaxWait:    cfg.Options.CommitMaxRetryWait,
		},
		log:     cfg.Logger.With().Str("commit_user", cfg.CommitUser).Logger(),
		metrics: m,
	}
}

// Commit publishes committables in identifier order and returns the id of
// the last snapshot. New files and changelog of a committable go into an
// APPEND snapshot, its compaction changes into a following COMPACT
// snapshot. A committable already in the history returns the existing
// snapshot id. A COMPACT whose inputs were removed concurrently, or whose
// outputs overlap live files of their level, fails; its output files are
// deleted and the APPEND part stays committed.
func (c *Committer) Commit(ctx context.Context, cs ...*Committable) (int64, error) {
	var last int64
	for _, cm := range sortByIdentifier(cs) {
		id, err := c.commitOne(ctx, cm)
		if err != nil {
			return last, err
		}
		last = id
	}
	return last, nil
}

func (c *Committer) commitOne(ctx context.Context, cm *Committable) (int64, error) {
	ch := cm.changes()
	hasCompact := len(ch.compactBefore) > 0 || len(ch.compactAfter) > 0

	var id int64
	if len(ch.newFiles) > 0 || len(ch.changelog) > 0 || !hasCompact {
		a := &attempt{
			kind:       spec.CommitAppend,
			identifier: cm.Identifier,
			watermark:  cm.Watermark,
			logOffsets: cm.LogOffsets,
			added:      ch.newFiles,
			changelog:  ch.changelog,
		}
		var err error
		if id, err = c.run(ctx, a); err != nil {
			return 0, err
		}
	}
	if hasCompact {
		a := &attempt{
			kind:       spec.CommitCompact,
			identifier: cm.Identifier,
			added:      ch.compactAfter,
			removed:    ch.compactBefore,
		}
		var err error
		if id, err = c.run(ctx, a); err != nil {
			if a.state == Failed {
				c.deleteFiles(ctx, cm.compactOutputs())
			}
			return 0, err
		}
	}
	return id, nil
}

// Overwrite replaces every live file matched by filter (all files when nil)
// with the committable's new files in one OVERWRITE snapshot. Compaction
// results of the committable only touched replaced data and are discarded.
func (c *Committer) Overwrite(ctx context.Context, filter spec.PartitionFilter, cm *Committable) (int64, error) {
	ch := cm.changes()
	c.deleteFiles(ctx, cm.compactOutputs())
	a := &attempt{
		kind:           spec.CommitOverwrite,
		identifier:     cm.Identifier,
		watermark:      cm.Watermark,
		logOffsets:     cm.LogOffsets,
		added:          ch.newFiles,
		changelog:      ch.changelog,
		overwrite:      true,
		overwriteMatch: filter,
	}
	return c.run(ctx, a)
}

// Abort deletes every file the committables created. They must not have
// been committed.
func (c *Committer) Abort(ctx context.Context, cs ...*Committable) {
	for _, cm := range cs {
		c.deleteFiles(ctx, cm.uncommitted())
	}
}

func (c *Committer) run(ctx context.Context, a *attempt) (int64, error) {
	for {
		a.state = Preparing
		c.metrics.IncrementCommitAttempts()
		done, id, err := c.prepare(ctx, a)
		if err != nil {
			c.cleanup(ctx, a)
			if a.state == Failed {
				c.metrics.IncrementCommitFailures()
				c.log.Warn().Err(err).Stringer("attempt", a).Msg("commit failed")
			}
			return 0, err
		}
		if done {
			a.state = Committed
			c.log.Info().Int64("snapshot", id).Int64("identifier", a.identifier).Stringer("kind", a.kind).
				Msg("commit already in snapshot history")
			return id, nil
		}

		a.state = Committing
		err = c.snapshots.TryCreate(ctx, a.snapshot)
		if err != nil {
			// A retried create can land and still report an error.
			ours, gerr := c.isOurs(ctx, a.snapshot)
			switch {
			case gerr != nil:
				return 0, errors.CombineErrors(err, gerr)
			case ours:
				err = nil
			case !errors.Is(err, errs.ErrAlreadyExists):
				c.cleanup(ctx, a)
				return 0, err
			}
		}
		if err == nil {
			a.state = Committed
			c.published(ctx, a)
			return a.snapshot.ID, nil
		}

		a.state = Conflicted
		c.metrics.IncrementConflicts()
		c.log.Debug().Int64("snapshot", a.snapshot.ID).Stringer("attempt", a).Msg("snapshot id taken, retrying")
		c.cleanup(ctx, a)
		a.tries++
		if a.tries > c.opts.CommitMaxRetries {
			a.state = Failed
			c.metrics.IncrementCommitFailures()
			return 0, errs.Conflict("%s commit %d gave up after %d attempts", a.kind, a.identifier, a.tries)
		}
		if err := c.backoff.Sleep(ctx, a.tries-1); err != nil {
			return 0, err
		}
	}
}

// prepare builds the next snapshot from the latest one and writes its
// manifests and lists. done is set when the commit is already published.
func (c *Committer) prepare(ctx context.Context, a *attempt) (done bool, id int64, err error) {
	a.resetTry()
	latest, err := c.snapshots.Latest(ctx)
	if err != nil {
		return false, 0, err
	}
	if done, id, err := c.alreadyCommitted(ctx, latest, a); err != nil || done {
		return done, id, err
	}

	var prevBase, prevDelta []*spec.ManifestFileMeta
	if latest != nil {
		if prevBase, err = c.lists.Read(ctx, latest.BaseManifestList); err != nil {
			return false, 0, err
		}
		if prevDelta, err = c.lists.Read(ctx, latest.DeltaManifestList); err != nil {
			return false, 0, err
		}
	}

	switch {
	case a.overwrite:
		live, err := c.manifests.Resolve(ctx, concat(prevBase, prevDelta), a.overwriteMatch)
		if err != nil {
			return false, 0, err
		}
		a.removed = live
	case a.kind == spec.CommitCompact:
		metas := concat(prevBase, prevDelta)
		if err := c.checkRemoved(ctx, a, latest, metas); err != nil {
			return false, 0, err
		}
		if err := c.checkLevels(ctx, a, metas); err != nil {
			return false, 0, err
		}
	}
	a.checkedAt = snapshotID(latest)

	snap, err := c.writeSnapshot(ctx, a, latest, prevBase, prevDelta)
	if err != nil {
		return false, 0, err
	}
	a.snapshot = snap
	return false, 0, nil
}

func (c *Committer) writeSnapshot(ctx context.Context, a *attempt, latest *spec.Snapshot, prevBase, prevDelta []*spec.ManifestFileMeta) (*spec.Snapshot, error) {
	var deltaMetas []*spec.ManifestFileMeta
	deltaMeta, err := c.manifests.WriteDelta(ctx, a.added, a.removed)
	if err != nil {
		return nil, err
	}
	if deltaMeta != nil {
		a.manifests = append(a.manifests, deltaMeta.FileName)
		deltaMetas = append(deltaMetas, deltaMeta)
	}

	base, written, err := c.manifests.MergeBase(ctx, prevBase, prevDelta, c.opts.ManifestMergeMinCount)
	if err != nil {
		return nil, err
	}
	for _, m := range written {
		a.manifests = append(a.manifests, m.FileName)
	}

	baseList, err := c.lists.Write(ctx, base)
	if err != nil {
		return nil, err
	}
	a.lists = append(a.lists, baseList)
	deltaList, err := c.lists.Write(ctx, deltaMetas)
	if err != nil {
		return nil, err
	}
	a.lists = append(a.lists, deltaList)

	var changelogList string
	if len(a.changelog) > 0 {
		metas, err := c.manifests.Write(ctx, a.changelog)
		for _, m := range metas {
			a.manifests = append(a.manifests, m.FileName)
		}
		if err != nil {
			return nil, err
		}
		if changelogList, err = c.lists.Write(ctx, metas); err != nil {
			return nil, err
		}
		a.lists = append(a.lists, changelogList)
	}

	snap := &spec.Snapshot{
		Version:               spec.CurrentSnapshotVersion,
		ID:                    snapshotID(latest) + 1,
		SchemaID:              c.schemaID,
		BaseManifestList:      baseList,
		DeltaManifestList:     deltaList,
		ChangelogManifestList: changelogList,
		CommitUser:            c.user,
		CommitIdentifier:      a.identifier,
		CommitKind:            a.kind,
		TimeMillis:            time.Now().UnixMilli(),
		LogOffsets:            map[int32]int64{},
		ChangelogRecordCount:  rowCount(a.changelog),
	}
	delta := rowCount(a.added) - rowCount(a.removed)
	snap.DeltaRecordCount = delta
	snap.TotalRecordCount = delta
	if latest != nil {
		snap.TotalRecordCount += latest.TotalRecordCount
		snap.Watermark = latest.Watermark
		maps.Copy(snap.LogOffsets, latest.LogOffsets)
	}
	snap.Watermark = maxWatermark(snap.Watermark, a.watermark)
	maps.Copy(snap.LogOffsets, a.logOffsets)
	return snap, nil
}

// alreadyCommitted looks for the newest snapshot of this commit user. An
// identifier beyond ours, or ours with the same kind, means the commit went
// through before. COMPACT follows APPEND under one identifier, so a COMPACT
// there also covers our APPEND.
func (c *Committer) alreadyCommitted(ctx context.Context, latest *spec.Snapshot, a *attempt) (bool, int64, error) {
	if latest == nil || c.user == "" || (c.newUser && c.lastOwn == 0) {
		return false, 0, nil
	}
	earliest, err := c.snapshots.EarliestID(ctx)
	if err != nil {
		return false, 0, err
	}
	// This user's newest snapshot is at or above lastOwn.
	floor := max(earliest, a.checkedAt+1, c.lastOwn)
	for id := latest.ID; id >= floor; id-- {
		s := latest
		if id != latest.ID {
			if s, err = c.snapshots.Get(ctx, id); err != nil {
				if errors.Is(err, errs.ErrSnapshotNotFound) {
					// Expired while we looked.
					return false, 0, nil
				}
				return false, 0, err
			}
		}
		if s.CommitUser != c.user {
			continue
		}
		if s.CommitIdentifier > a.identifier ||
			(s.CommitIdentifier == a.identifier && (s.CommitKind == a.kind || s.CommitKind == spec.CommitCompact)) {
			return true, s.ID, nil
		}
		return false, 0, nil
	}
	return false, 0, nil
}

func (c *Committer) isOurs(ctx context.Context, snap *spec.Snapshot) (bool, error) {
	existing, err := c.snapshots.Get(ctx, snap.ID)
	if err != nil {
		if errors.Is(err, errs.ErrSnapshotNotFound) {
			return false, nil
		}
		return false, err
	}
	return existing.BaseManifestList == snap.BaseManifestList &&
		existing.DeltaManifestList == snap.DeltaManifestList, nil
}

func (c *Committer) published(ctx context.Context, a *attempt) {
	snap := a.snapshot
	c.lastOwn = snap.ID
	c.metrics.IncrementCommits()
	if err := c.snapshots.CommitLatestHint(ctx, snap.ID); err != nil {
		c.log.Warn().Err(err).Int64("snapshot", snap.ID).Msg("write LATEST hint")
	}
	if snap.ID == 1 {
		if err := c.snapshots.CommitEarliestHint(ctx, 1); err != nil {
			c.log.Warn().Err(err).Msg("write EARLIEST hint")
		}
	}
	c.log.Info().
		Int64("snapshot", snap.ID).
		Stringer("kind", a.kind).
		Int64("identifier", a.identifier).
		Int("added", len(a.added)).
		Int("removed", len(a.removed)).
		Int("retries", a.tries).
		Msg("committed snapshot")
}

// cleanup deletes the manifests and lists of a try that did not publish.
func (c *Committer) cleanup(ctx context.Context, a *attempt) {
	ctx = context.WithoutCancel(ctx)
	for _, name := range a.manifests {
		if err := c.manifests.Delete(ctx, name); err != nil && !errors.Is(err, errs.ErrNotFound) {
			c.log.Warn().Err(err).Str("manifest", name).Msg("delete abandoned manifest")
		}
	}
	for _, name := range a.lists {
		if err := c.lists.Delete(ctx, name); err != nil && !errors.Is(err, errs.ErrNotFound) {
			c.log.Warn().Err(err).Str("list", name).Msg("delete abandoned manifest list")
		}
	}
	a.resetTry()
}

func (c *Committer) deleteFiles(ctx context.Context, files []*spec.DataFileMeta) {
	ctx = context.WithoutCancel(ctx)
	for _, f := range files {
		if err := c.fio.Delete(ctx, fileio.Join(c.root, f.Path)); err != nil && !errors.Is(err, errs.ErrNotFound) {
			c.log.Warn().Err(err).Str("file", f.Path).Msg("delete uncommitted file")
		}
	}
}

func snapshotID(s *spec.Snapshot) int64 {
	if s == nil {
		return 0
	}
	return s.ID
}

func rowCount(entries []*spec.ManifestEntry) int64 {
	var n int64
	for _, e := range entries {
		n += e.File.RowCount
	}
	return n
}

func concat(a, b []*spec.ManifestFileMeta) []*spec.ManifestFileMeta {
	out := make([]*spec.ManifestFileMeta, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}
