package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/hibeats/engine/core"
)

type pendingEntry struct {
	addedAt  time.Time
	expected int
}

// Library is the single owned container for all orchestration state the UI
// consumes: the visible music collection, the pending-task set, and the
// per-task status map. Every mutation funnels through its methods so the
// de-duplication and membership invariants are enforced in one place;
// callers never hold references into its internals.
type Library struct {
	mu       sync.RWMutex
	items    []core.MusicArtifact
	pending  map[string]pendingEntry
	statuses map[string]core.TaskState

	// Ledger membership snapshots, the authoritative gate for visibility.
	requested map[string]bool
	completed map[string]bool

	// recent holds tasks whose artifacts landed since the last generate,
	// used by the sort order.
	recent map[string]bool

	currentTaskID string
}

// NewLibrary returns an empty state container.
func NewLibrary() *Library {
	return &Library{
		pending:   make(map[string]pendingEntry),
		statuses:  make(map[string]core.TaskState),
		requested: make(map[string]bool),
		completed: make(map[string]bool),
		recent:    make(map[string]bool),
	}
}

// SetCurrentTask marks the just-submitted task so it sorts first.
func (l *Library) SetCurrentTask(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentTaskID = taskID
	l.recent = make(map[string]bool)
}

// SetLedgerTaskIDs replaces the membership snapshots with fresh ledger
// reads.
func (l *Library) SetLedgerTaskIDs(requested, completed []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested = make(map[string]bool, len(requested))
	for _, id := range requested {
		l.requested[id] = true
	}
	l.completed = make(map[string]bool, len(completed))
	for _, id := range completed {
		l.completed[id] = true
	}
}

// AddPending registers a task awaiting reconciliation.
func (l *Library) AddPending(taskID string, expected int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[taskID]; ok {
		return
	}
	l.pending[taskID] = pendingEntry{addedAt: time.Now(), expected: expected}
}

// RemovePending drops a task from the pending set.
func (l *Library) RemovePending(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, taskID)
}

// IsPending reports pending-set membership.
func (l *Library) IsPending(taskID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pending[taskID]
	return ok
}

// PendingTaskIDs returns the pending set, oldest first.
func (l *Library) PendingTaskIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingIDsLocked(time.Time{})
}

// PendingOlderThan returns pending tasks added before the cutoff.
func (l *Library) PendingOlderThan(cutoff time.Time) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingIDsLocked(cutoff)
}

func (l *Library) pendingIDsLocked(cutoff time.Time) []string {
	type aged struct {
		id string
		at time.Time
	}
	entries := make([]aged, 0, len(l.pending))
	for id, e := range l.pending {
		if !cutoff.IsZero() && !e.addedAt.Before(cutoff) {
			continue
		}
		entries = append(entries, aged{id: id, at: e.addedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// PendingCount returns the pending-set size.
func (l *Library) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// SetStatus updates the status-map projection for a task.
func (l *Library) SetStatus(taskID string, state core.TaskState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[taskID] = state
}

// Statuses returns a copy of the status map.
func (l *Library) Statuses() map[string]core.TaskState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]core.TaskState, len(l.statuses))
	for id, st := range l.statuses {
		out[id] = st
	}
	return out
}

// ArtifactCount returns how many visible non-placeholder artifacts belong
// to the task. This is the reconciler's entry guard.
func (l *Library) ArtifactCount(taskID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, a := range l.items {
		if a.TaskID == taskID && !a.Placeholder {
			n++
		}
	}
	return n
}

// ArtifactsFor returns the visible artifacts of a task.
func (l *Library) ArtifactsFor(taskID string) []core.MusicArtifact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []core.MusicArtifact
	for _, a := range l.items {
		if a.TaskID == taskID && !a.Placeholder {
			out = append(out, a)
		}
	}
	return out
}

// ArtifactByID looks an artifact up by its unique id.
func (l *Library) ArtifactByID(id string) (core.MusicArtifact, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.items {
		if a.ID == id && !a.Placeholder {
			return a, true
		}
	}
	return core.MusicArtifact{}, false
}

// MergeArtifacts folds newly reconciled artifacts into the collection,
// drops the owning tasks from the pending set, and re-runs the dedup,
// membership, and sort passes in one atomic step so readers never observe a
// half-merged collection.
func (l *Library) MergeArtifacts(arts []core.MusicArtifact) {
	if len(arts) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := append(append([]core.MusicArtifact{}, l.items...), arts...)
	merged = dedupe(merged)

	kept := merged[:0]
	for _, a := range merged {
		if l.visibleLocked(a) {
			kept = append(kept, a)
		}
	}
	for _, a := range arts {
		delete(l.pending, a.TaskID)
		l.recent[a.TaskID] = true
	}
	l.items = kept
	l.sortLocked()
}

// Deduplicate re-runs the dedup pass over the collection. Idempotent.
func (l *Library) Deduplicate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = dedupe(l.items)
}

// dedupe keeps the first occurrence of each artifact id. Artifacts sharing
// a task id are expected and must never be collapsed.
func dedupe(arts []core.MusicArtifact) []core.MusicArtifact {
	seen := make(map[string]bool, len(arts))
	out := arts[:0]
	for _, a := range arts {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}

// Visible is the authoritative membership gate: an artifact is displayed
// only if the ledger knows its task, or the task is currently pending, or
// the artifact carries real audio. The third condition covers the window
// where the ledger read lags the generation service's completion signal.
func (l *Library) Visible(a core.MusicArtifact) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.visibleLocked(a)
}

func (l *Library) visibleLocked(a core.MusicArtifact) bool {
	if l.requested[a.TaskID] || l.completed[a.TaskID] {
		return true
	}
	if _, pending := l.pending[a.TaskID]; pending {
		return true
	}
	return a.HasAudio()
}

// Snapshot returns the visible collection: placeholder rows for each
// pending task followed by the merged artifacts, in display order.
func (l *Library) Snapshot() []core.MusicArtifact {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range l.items {
		if !a.Placeholder {
			counts[a.TaskID]++
		}
	}
	out := make([]core.MusicArtifact, 0, len(l.items)+2*len(l.pending))
	for _, id := range l.pendingIDsLocked(time.Time{}) {
		missing := l.pending[id].expected - counts[id]
		for i := 0; i < missing; i++ {
			out = append(out, core.MusicArtifact{
				TaskID:      id,
				Placeholder: true,
			})
		}
	}
	out = append(out, l.items...)
	sort.SliceStable(out, func(i, j int) bool { return l.lessLocked(out[i], out[j]) })
	return out
}

func (l *Library) sortLocked() {
	sort.SliceStable(l.items, func(i, j int) bool { return l.lessLocked(l.items[i], l.items[j]) })
}

// Display order: the just-submitted task first, then other pending tasks,
// then tasks whose artifacts just landed, then everything else by creation
// time descending with unparseable timestamps last.
func (l *Library) lessLocked(a, b core.MusicArtifact) bool {
	ra, rb := l.rankLocked(a), l.rankLocked(b)
	if ra != rb {
		return ra < rb
	}
	if ra < 3 {
		return false // stable within the priority bands
	}
	az, bz := a.CreateTime.IsZero(), b.CreateTime.IsZero()
	if az != bz {
		return bz
	}
	return a.CreateTime.After(b.CreateTime)
}

func (l *Library) rankLocked(a core.MusicArtifact) int {
	switch {
	case a.TaskID != "" && a.TaskID == l.currentTaskID:
		return 0
	case func() bool { _, ok := l.pending[a.TaskID]; return ok }():
		return 1
	case l.recent[a.TaskID]:
		return 2
	default:
		return 3
	}
}
