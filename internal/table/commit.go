package table

import (
	"context"

	"github.com/freeeve/lakehouse/internal/commit"
	"github.com/freeeve/lakehouse/internal/spec"
)

// Commit publishes committables of one commit user.
type Commit struct {
	t    *Table
	user string
}

// NewCommit creates a commit for commitUser. Identifiers of one user must
// increase from commit to commit; a committable with an identifier that is
// already in the history is skipped, which makes replays after a crash safe.
func (t *Table) NewCommit(commitUser string) *Commit {
	return &Commit{t: t, user: commitUser}
}

// Commit publishes committables and returns the id of the last snapshot.
func (c *Commit) Commit(ctx context.Context, cs ...*commit.Committable) (int64, error) {
	return c.t.committer(c.user, c.t.Schema().ID).Commit(ctx, cs...)
}

// Overwrite replaces the live files matched by filter, every file when nil,
// with the new files of cs.
func (c *Commit) Overwrite(ctx context.Context, filter spec.PartitionFilter, cs ...*commit.Committable) (int64, error) {
	return c.t.committer(c.user, c.t.Schema().ID).Overwrite(ctx, filter, commit.Merge(cs...))
}

// Abort deletes the files of committables that will not be committed.
func (c *Commit) Abort(ctx context.Context, cs ...*commit.Committable) {
	c.t.committer(c.user, c.t.Schema().ID).Abort(ctx, cs...)
}

func (t *Table) committer(user string, schemaID int64) *commit.Committer {
	return commit.New(t.commitConfig(user, schemaID))
}

func (t *Table) commitConfig(user string, schemaID int64) commit.Config {
	return commit.Config{
		FileIO:     t.fio,
		Root:       t.root,
		Snapshots:  t.snapshots,
		Manifests:  t.manifests(schemaID),
		Lists:      t.lists,
		SchemaID:   schemaID,
		Options:    t.Options(),
		CommitUser: user,
		Logger:     t.log,
		Metrics:    t.metrics,
	}
}
