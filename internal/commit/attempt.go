package commit

import (
	"fmt"

	"github.com/freeeve/lakehouse/internal/spec"
)

// State is the phase of one snapshot commit.
type State int

const (
	// Preparing reads the latest snapshot, checks conflicts and writes the
	// manifests of the next one.
	Preparing State = iota
	// Committing claims the snapshot id with create-if-absent.
	Committing
	// Committed: the snapshot is published.
	Committed
	// Conflicted: another commit took the id. The attempt's files are
	// cleaned up and it goes back to Preparing.
	Conflicted
	// Failed: the commit cannot succeed, for example because compaction
	// inputs were removed concurrently.
	Failed
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Conflicted:
		return "conflicted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// attempt carries one snapshot commit through its states.
type attempt struct {
	kind       spec.CommitKind
	identifier int64
	watermark  *int64
	logOffsets map[int32]int64

	added     []*spec.ManifestEntry
	removed   []*spec.ManifestEntry
	changelog []*spec.ManifestEntry

	// overwrite is set for OVERWRITE commits; removed is recomputed from the
	// live files it matches on every prepare.
	overwrite      bool
	overwriteMatch spec.PartitionFilter

	state State
	tries int
	// checkedAt is the snapshot id removed entries were last validated
	// against; 0 before the first full check.
	checkedAt int64

	// Files of the current try, deleted when it does not publish.
	manifests []string
	lists     []string
	snapshot  *spec.Snapshot
}

func (a *attempt) String() string {
	return fmt.Sprintf("{%s identifier=%d added=%d removed=%d try=%d state=%s}",
		a.kind, a.identifier, len(a.added), len(a.removed), a.tries, a.state)
}

func (a *attempt) resetTry() {
	a.manifests, a.lists, a.snapshot = nil, nil, nil
}
