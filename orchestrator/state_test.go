package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibeats/engine/core"
)

func art(id, taskID string, created time.Time) core.MusicArtifact {
	return core.MusicArtifact{
		ID:         id,
		TaskID:     taskID,
		Audio:      core.ContentReference{OriginalURL: "http://cdn/" + id + ".mp3"},
		CreateTime: created,
	}
}

func TestDedupeKeepsSiblings(t *testing.T) {
	lib := NewLibrary()
	lib.AddPending("t1", 2)

	// Two artifacts from the same task share a task id but carry distinct
	// ids. Both must survive the merge.
	lib.MergeArtifacts([]core.MusicArtifact{
		art("a1", "t1", time.Now()),
		art("a2", "t1", time.Now()),
	})

	assert.Equal(t, 2, lib.ArtifactCount("t1"))

	// Re-merging the same batch must not duplicate anything.
	lib.MergeArtifacts([]core.MusicArtifact{
		art("a1", "t1", time.Now()),
		art("a2", "t1", time.Now()),
	})
	assert.Equal(t, 2, lib.ArtifactCount("t1"))
}

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	first := art("a1", "t1", time.Now())
	first.Title = "kept"
	clash := art("a1", "t1", time.Now())
	clash.Title = "dropped"

	got := dedupe([]core.MusicArtifact{first, clash})
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Title)
}

func TestMembershipGate(t *testing.T) {
	lib := NewLibrary()
	lib.SetLedgerTaskIDs([]string{"t-req"}, []string{"t-done"})
	lib.AddPending("t-pend", 2)

	t.Run("ledger requested task is visible", func(t *testing.T) {
		a := art("a1", "t-req", time.Now())
		a.Audio = core.ContentReference{}
		assert.True(t, lib.Visible(a))
	})

	t.Run("ledger completed task is visible", func(t *testing.T) {
		a := art("a2", "t-done", time.Now())
		a.Audio = core.ContentReference{}
		assert.True(t, lib.Visible(a))
	})

	t.Run("pending task is visible", func(t *testing.T) {
		a := art("a3", "t-pend", time.Now())
		a.Audio = core.ContentReference{}
		assert.True(t, lib.Visible(a))
	})

	t.Run("unknown task with audio stays visible", func(t *testing.T) {
		assert.True(t, lib.Visible(art("a4", "t-stray", time.Now())))
	})

	t.Run("unknown task without audio is filtered", func(t *testing.T) {
		a := art("a5", "t-stray", time.Now())
		a.Audio = core.ContentReference{}
		assert.False(t, lib.Visible(a))
	})

	t.Run("merge drops filtered artifacts", func(t *testing.T) {
		stray := art("a6", "t-ghost", time.Now())
		stray.Audio = core.ContentReference{}
		lib.MergeArtifacts([]core.MusicArtifact{stray})
		_, ok := lib.ArtifactByID("a6")
		assert.False(t, ok)
	})
}

func TestSnapshotPlaceholders(t *testing.T) {
	lib := NewLibrary()
	lib.AddPending("t1", 2)

	snap := lib.Snapshot()
	require.Len(t, snap, 2)
	for _, a := range snap {
		assert.True(t, a.Placeholder)
		assert.Equal(t, "t1", a.TaskID)
	}

	// First artifact lands, second still rendering: one placeholder left.
	lib.mu.Lock()
	lib.items = append(lib.items, art("a1", "t1", time.Now()))
	lib.mu.Unlock()
	snap = lib.Snapshot()
	require.Len(t, snap, 2)
	placeholders := 0
	for _, a := range snap {
		if a.Placeholder {
			placeholders++
		}
	}
	assert.Equal(t, 1, placeholders)
}

func TestPendingConvergence(t *testing.T) {
	lib := NewLibrary()
	lib.AddPending("t1", 2)
	require.Equal(t, 1, lib.PendingCount())

	lib.MergeArtifacts([]core.MusicArtifact{
		art("a1", "t1", time.Now()),
		art("a2", "t1", time.Now()),
	})

	assert.Equal(t, 0, lib.PendingCount())
	assert.False(t, lib.IsPending("t1"))

	snap := lib.Snapshot()
	require.Len(t, snap, 2)
	for _, a := range snap {
		assert.False(t, a.Placeholder)
	}
}

func TestDisplayOrder(t *testing.T) {
	now := time.Now()
	lib := NewLibrary()
	lib.SetLedgerTaskIDs([]string{"t-old", "t-new", "t-recent", "t-cur", "t-pend", "t-nodate"}, nil)

	lib.MergeArtifacts([]core.MusicArtifact{
		art("old", "t-old", now.Add(-2*time.Hour)),
		art("new", "t-new", now.Add(-time.Hour)),
		art("nodate", "t-nodate", time.Time{}),
	})
	lib.AddPending("t-pend", 1)
	lib.AddPending("t-cur", 1)
	lib.SetCurrentTask("t-cur")
	lib.MergeArtifacts([]core.MusicArtifact{art("recent", "t-recent", now)})

	var ids []string
	for _, a := range lib.Snapshot() {
		if a.Placeholder {
			ids = append(ids, "pending:"+a.TaskID)
			continue
		}
		ids = append(ids, a.ID)
	}

	// Current task's placeholder first, then other pending, then the batch
	// that just landed, then the rest newest first with undated rows last.
	assert.Equal(t, []string{
		"pending:t-cur",
		"pending:t-pend",
		"recent",
		"new",
		"old",
		"nodate",
	}, ids)
}

func TestPendingOlderThan(t *testing.T) {
	lib := NewLibrary()
	lib.AddPending("fresh", 2)
	lib.mu.Lock()
	lib.pending["stale"] = pendingEntry{addedAt: time.Now().Add(-48 * time.Hour), expected: 2}
	lib.mu.Unlock()

	got := lib.PendingOlderThan(time.Now().Add(-24 * time.Hour))
	assert.Equal(t, []string{"stale"}, got)
}
