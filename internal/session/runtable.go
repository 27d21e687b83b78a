package session

import "sync"

// RunTable correlates transient backend run ids with session keys.
// Events early in a run may carry only the run id; the table lets the
// dispatcher route them to the right session. Entries live from the
// first running status to any terminal event, including error paths, so
// stale run ids never leak across session resets.
type RunTable struct {
	mu    sync.Mutex
	byRun map[string]string
}

// NewRunTable returns an empty table.
func NewRunTable() *RunTable {
	return &RunTable{byRun: make(map[string]string)}
}

// Bind records runID as belonging to sessionKey. Rebinding an existing
// run id to a different session is ignored; a run id maps to exactly one
// session for its lifetime.
func (t *RunTable) Bind(runID, sessionKey string) {
	if runID == "" || sessionKey == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byRun[runID]; exists {
		return
	}
	t.byRun[runID] = sessionKey
}

// Resolve returns the session key bound to runID.
func (t *RunTable) Resolve(runID string) (string, bool) {
	if runID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byRun[runID]
	return key, ok
}

// Release drops the binding for runID. Safe to call for unknown ids.
func (t *RunTable) Release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byRun, runID)
}

// ReleaseSession drops every binding that points at sessionKey. Called
// on session thread resets.
func (t *RunTable) ReleaseSession(sessionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for runID, key := range t.byRun {
		if key == sessionKey {
			delete(t.byRun, runID)
		}
	}
}

// Reset drops every binding. Called when all sessions are destroyed.
func (t *RunTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byRun = make(map[string]string)
}

// Len reports the number of live bindings.
func (t *RunTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRun)
}
