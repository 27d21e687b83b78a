// Package session holds the per-document conversation state: the
// registry of sessions, the run correlation table, and the activity
// timeline merge rules. All mutation flows through Registry.Update,
// which is what makes the run-state invariants enforceable in one
// place.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/storage"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// Caps bounds the per-session state the registry retains.
type Caps struct {
	Messages  int // message list length, oldest dropped
	Progress  int // progress text runes
	MergeScan int // backward merge scan depth
}

// DefaultCaps mirrors the configuration defaults.
func DefaultCaps() Caps {
	return Caps{Messages: 100, Progress: 200, MergeScan: 40}
}

func (c Caps) normalized() Caps {
	d := DefaultCaps()
	if c.Messages <= 0 {
		c.Messages = d.Messages
	}
	if c.Progress <= 0 {
		c.Progress = d.Progress
	}
	if c.MergeScan <= 0 {
		c.MergeScan = d.MergeScan
	}
	return c
}

// Registry is the in-memory session map. Sessions are created lazily on
// first reference to a document path and are only destroyed by the bulk
// clear. Thread ids are mirrored to storage so a restarted instance
// reattaches to its conversations.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*types.Session
	activeByPath map[string]string // trimmed path -> session key
	foreground   string
	defaults     types.BackendDefaults

	caps    Caps
	bus     *event.Bus
	storage *storage.Storage
}

// threadRecord is the persisted mirror of a session's thread binding.
type threadRecord struct {
	SessionKey   string `json:"sessionKey"`
	NotebookPath string `json:"notebookPath"`
	ThreadID     string `json:"threadId"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// NewRegistry builds a registry. bus may be nil to use the process-wide
// bus; st may be nil to disable the persisted thread mirror.
func NewRegistry(bus *event.Bus, st *storage.Storage, caps Caps) *Registry {
	return &Registry{
		sessions:     make(map[string]*types.Session),
		activeByPath: make(map[string]string),
		caps:         caps.normalized(),
		bus:          bus,
		storage:      st,
	}
}

// SetDefaults replaces the option seed used for newly created sessions.
func (r *Registry) SetDefaults(d types.BackendDefaults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = d
}

// Defaults returns the current option seed.
func (r *Registry) Defaults() types.BackendDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Ensure returns the session registered under key, creating it when
// absent. key may be empty, in which case the trimmed path is the key.
// The path is recorded as resolving to this session either way.
func (r *Registry) Ensure(path, key string) *types.Session {
	trimmedPath := strings.TrimSpace(path)
	if key == "" {
		key = trimmedPath
	}
	if key == "" {
		return nil
	}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok {
		if trimmedPath != "" {
			r.activeByPath[trimmedPath] = key
		}
		out := cloneSession(existing)
		r.mu.Unlock()
		return out
	}

	now := time.Now().UnixMilli()
	created := &types.Session{
		Key:          key,
		NotebookPath: trimmedPath,
		RunState:     types.RunReady,
		Options: types.Options{
			Model:           r.defaults.Model,
			ReasoningEffort: r.defaults.ReasoningEffort,
		},
		Revision: 1,
		Time:     types.SessionTime{Created: now, Updated: now},
	}
	if rec, ok := r.loadThread(key); ok {
		created.ThreadID = rec.ThreadID
	}
	r.sessions[key] = created
	if trimmedPath != "" {
		r.activeByPath[trimmedPath] = key
	}
	out := cloneSession(created)
	r.mu.Unlock()

	r.publish(event.Event{Type: event.SessionChanged, Data: event.SessionChangedData{Session: cloneSession(created)}})
	return out
}

// Update applies mutate to a copy of the session under key and commits
// the copy if mutate reports a change. On commit the revision is bumped,
// the message list is trimmed, progress is capped, the thread mirror is
// refreshed, and a session-changed event is published. The committed
// snapshot is returned; ok is false when the key is unknown or mutate
// reported no change.
func (r *Registry) Update(key string, mutate func(s *types.Session) bool) (*types.Session, bool) {
	r.mu.Lock()
	current, exists := r.sessions[key]
	if !exists {
		r.mu.Unlock()
		return nil, false
	}

	working := cloneSession(current)
	if !mutate(working) {
		r.mu.Unlock()
		return nil, false
	}

	working.Key = key // mutators must not rebind sessions
	working.Revision = current.Revision + 1
	working.Time.Updated = time.Now().UnixMilli()
	if len(working.Messages) > r.caps.Messages {
		working.Messages = working.Messages[len(working.Messages)-r.caps.Messages:]
	}
	working.Progress.Text = capRunes(working.Progress.Text, r.caps.Progress)

	threadChanged := working.ThreadID != current.ThreadID
	r.sessions[key] = working
	out := cloneSession(working)
	r.mu.Unlock()

	if threadChanged {
		r.persistThread(out)
	}
	r.publish(event.Event{Type: event.SessionChanged, Data: event.SessionChangedData{Session: cloneSession(working)}})
	return out, true
}

// ReplaceAll swaps the whole session map. Only the bulk clear uses it;
// passing an empty or nil map wipes the registry, its path index, and
// the persisted thread mirror.
func (r *Registry) ReplaceAll(next map[string]*types.Session) {
	r.mu.Lock()
	cleared := len(r.sessions)
	r.sessions = make(map[string]*types.Session, len(next))
	r.activeByPath = make(map[string]string)
	for key, s := range next {
		if s == nil {
			continue
		}
		kept := cloneSession(s)
		kept.Key = key
		r.sessions[key] = kept
		if p := strings.TrimSpace(kept.NotebookPath); p != "" {
			r.activeByPath[p] = key
		}
	}
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	if empty && r.storage != nil {
		if err := r.storage.DeleteAll(context.Background(), []string{"threads"}); err != nil {
			logging.Debug().Err(err).Msg("Failed to clear thread mirror")
		}
	}
	r.publish(event.Event{Type: event.RegistryCleared, Data: event.RegistryClearedData{Count: cleared}})
}

// Get returns a copy of the session under key.
func (r *Registry) Get(key string) (*types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

// ForPath resolves the active session for a document path.
func (r *Registry) ForPath(path string) (*types.Session, bool) {
	trimmed := strings.TrimSpace(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.activeByPath[trimmed]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

// Foreground returns the session key of the foreground document, "".
func (r *Registry) Foreground() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.foreground
}

// SetForeground records the foreground session key.
func (r *Registry) SetForeground(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.foreground = key
}

// Snapshot returns a deep copy of every session, keyed as registered.
func (r *Registry) Snapshot() map[string]*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*types.Session, len(r.sessions))
	for key, s := range r.sessions {
		out[key] = cloneSession(s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) publish(ev event.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
		return
	}
	event.Publish(ev)
}

func (r *Registry) persistThread(s *types.Session) {
	if r.storage == nil || s == nil {
		return
	}
	rec := threadRecord{
		SessionKey:   s.Key,
		NotebookPath: s.NotebookPath,
		ThreadID:     s.ThreadID,
		UpdatedAt:    time.Now().UnixMilli(),
	}
	if err := r.storage.Put(context.Background(), []string{"threads", hashKey(s.Key)}, rec); err != nil {
		logging.Debug().Err(err).Str("session", s.Key).Msg("Failed to persist thread binding")
	}
}

func (r *Registry) loadThread(key string) (threadRecord, bool) {
	if r.storage == nil {
		return threadRecord{}, false
	}
	var rec threadRecord
	if err := r.storage.Get(context.Background(), []string{"threads", hashKey(key)}, &rec); err != nil {
		return threadRecord{}, false
	}
	if rec.SessionKey != key || rec.ThreadID == "" {
		return threadRecord{}, false
	}
	return rec, true
}

func cloneSession(s *types.Session) *types.Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Messages != nil {
		out.Messages = make([]types.Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return &out
}

// generateID returns a new ULID for message identity.
func generateID() string {
	return ulid.Make().String()
}

// hashKey turns a session key (a document path) into a flat storage key.
func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func capRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
