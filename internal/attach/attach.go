// Package attach keeps the context attachments (selection and cell
// output previews) that were sent with past prompts, keyed by backend
// thread id. When the backend replays conversation history after a
// reconnect, the engine re-pairs each history item with its stored
// preview by content hash.
package attach

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/storage"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// Entry is one recorded attachment: the hash of the prompt content it
// was sent with, plus the preview shown next to that prompt.
type Entry struct {
	Hash    string                  `json:"hash"`
	Preview *types.SelectionPreview `json:"preview"`
}

var storageKey = []string{"attach", "windows"}

// persisted is the storage mirror of the full store. The window bounds
// keep it small enough to write as one document.
type persisted struct {
	Order   []string           `json:"order"`
	Windows map[string][]Entry `json:"windows"`
}

// Store holds a bounded attachment window per thread. Memory is
// authoritative; the storage mirror is best-effort write-through so
// previews survive a process restart.
type Store struct {
	mu         sync.Mutex
	perThread  int
	maxThreads int
	order      []string // thread ids, oldest first
	windows    map[string][]Entry
	storage    *storage.Storage
}

// NewStore builds a store bounded to perThread entries per thread and
// maxThreads tracked threads. st may be nil for a purely in-memory
// store; otherwise previously persisted windows are loaded.
func NewStore(perThread, maxThreads int, st *storage.Storage) *Store {
	s := &Store{
		perThread:  perThread,
		maxThreads: maxThreads,
		windows:    make(map[string][]Entry),
		storage:    st,
	}
	s.load()
	return s
}

// HashContent returns the stable content hash used for replay matching.
// Line endings are normalized first so the same text hashes identically
// regardless of which platform produced it.
func HashContent(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	return strconv.FormatUint(xxhash.Sum64String(normalized), 16)
}

// Record appends an attachment entry to the thread's window. Empty
// thread ids and nil previews are ignored; there is nothing to replay
// for either.
func (s *Store) Record(threadID, content string, preview *types.SelectionPreview) {
	if threadID == "" || preview == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(threadID)
	window := append(s.windows[threadID], Entry{Hash: HashContent(content), Preview: preview})
	if s.perThread > 0 && len(window) > s.perThread {
		window = window[len(window)-s.perThread:]
	}
	s.windows[threadID] = window
	s.persist()
}

// Replay returns a forward-only cursor over the thread's recorded
// entries, in the order they were recorded.
func (s *Store) Replay(threadID string) *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windows[threadID]
	entries := make([]Entry, len(window))
	copy(entries, window)
	return &Cursor{entries: entries}
}

// Migrate moves a thread's window to a new id. Used when the backend
// reassigns the thread id without a full reset. No-op when the ids match
// or either is empty.
func (s *Store) Migrate(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[from]
	if !ok {
		return
	}
	delete(s.windows, from)
	s.removeFromOrder(from)

	s.touch(to)
	s.windows[to] = window
	s.persist()
}

// Drop forgets one thread's window.
func (s *Store) Drop(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.windows[threadID]; !ok {
		return
	}
	delete(s.windows, threadID)
	s.removeFromOrder(threadID)
	s.persist()
}

// Clear wipes every window, memory and mirror.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = nil
	s.windows = make(map[string][]Entry)
	s.persist()
}

// Len reports the number of entries stored for a thread.
func (s *Store) Len(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows[threadID])
}

// touch registers threadID as most recently used, evicting the oldest
// thread when the thread bound is exceeded. Caller holds s.mu.
func (s *Store) touch(threadID string) {
	s.removeFromOrder(threadID)
	s.order = append(s.order, threadID)
	for s.maxThreads > 0 && len(s.order) > s.maxThreads {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.windows, oldest)
	}
}

func (s *Store) removeFromOrder(threadID string) {
	for i, id := range s.order {
		if id == threadID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// persist mirrors the store to disk. Failures are logged and swallowed;
// the attachment store must never fail a send. Caller holds s.mu.
func (s *Store) persist() {
	if s.storage == nil {
		return
	}
	doc := persisted{Order: s.order, Windows: s.windows}
	if err := s.storage.Put(context.Background(), storageKey, doc); err != nil {
		logging.Debug().Err(err).Msg("Failed to persist attachment windows")
	}
}

func (s *Store) load() {
	if s.storage == nil {
		return
	}
	var doc persisted
	if err := s.storage.Get(context.Background(), storageKey, &doc); err != nil {
		return
	}
	for _, id := range doc.Order {
		window, ok := doc.Windows[id]
		if !ok {
			continue
		}
		if s.perThread > 0 && len(window) > s.perThread {
			window = window[len(window)-s.perThread:]
		}
		s.order = append(s.order, id)
		s.windows[id] = window
	}
	for s.maxThreads > 0 && len(s.order) > s.maxThreads {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.windows, oldest)
	}
}

// Cursor walks a thread's entries forward. Each history item is compared
// against the next unconsumed entry only; the cursor advances on a match
// and stays put otherwise, so repeated identical prompts pair with their
// previews in chronological order.
type Cursor struct {
	entries []Entry
	pos     int
}

// Match checks content against the next unconsumed entry. It returns the
// stored preview and advances on a hash match, nil otherwise.
func (c *Cursor) Match(content string) *types.SelectionPreview {
	if c.pos >= len(c.entries) {
		return nil
	}
	if c.entries[c.pos].Hash != HashContent(content) {
		return nil
	}
	preview := c.entries[c.pos].Preview
	c.pos++
	return preview
}

// Remaining reports how many entries have not been consumed.
func (c *Cursor) Remaining() int {
	return len(c.entries) - c.pos
}
