// Package threadsync broadcasts thread resets between host instances.
//
// Several editor windows can share one settings directory. When one of
// them starts a fresh backend thread for a document, the others must
// drop their stale thread binding or they would keep sending into a
// conversation the backend has abandoned. The channel carries exactly
// that announcement: a session key plus its new thread id, written to
// shared storage and picked up by every other instance through the
// storage change watcher.
package threadsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nbcodex-ai/nbcodex/internal/storage"
)

var syncKey = []string{"sync", "thread"}

// Event is one thread-reset announcement. ID and Source are stamped by
// Publish; receivers use them to drop duplicates and their own writes.
type Event struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SessionKey   string `json:"sessionKey"`
	NotebookPath string `json:"notebookPath,omitempty"`
	ThreadID     string `json:"threadId"`
	IssuedAt     int64  `json:"issuedAt"`
}

// Handler receives events published by other instances.
type Handler func(Event)

// Channel is one instance's attachment to the shared sync key.
type Channel struct {
	storage *storage.Storage
	source  string

	mu       sync.Mutex
	handlers map[uint64]Handler
	nextID   uint64
	lastSeen string

	watcher *storage.KeyWatcher
}

// NewChannel attaches to the sync key in st. An empty source gets a
// generated instance id. The change watcher starts immediately; events
// written by other instances are delivered to subscribed handlers.
func NewChannel(st *storage.Storage, source string) (*Channel, error) {
	if source == "" {
		source = ulid.Make().String()
	}
	c := &Channel{
		storage:  st,
		source:   source,
		handlers: make(map[uint64]Handler),
	}

	w, err := storage.NewKeyWatcher(st, syncKey, c.deliver)
	if err != nil {
		return nil, err
	}
	c.watcher = w
	w.Start()
	return c, nil
}

// Source returns this instance's id.
func (c *Channel) Source() string {
	return c.source
}

// Publish writes a thread-reset announcement for the other instances.
// The event is stamped with this instance's source id, so it will not
// be delivered back to local handlers.
func (c *Channel) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.SessionKey) == "" {
		return fmt.Errorf("threadsync: event has no session key")
	}
	if strings.TrimSpace(ev.ThreadID) == "" {
		return fmt.Errorf("threadsync: event has no thread id")
	}

	ev.ID = ulid.Make().String()
	ev.Source = c.source
	if ev.IssuedAt == 0 {
		ev.IssuedAt = time.Now().UnixMilli()
	}

	c.mu.Lock()
	c.lastSeen = ev.ID
	c.mu.Unlock()

	return c.storage.Put(ctx, syncKey, ev)
}

// Subscribe registers a handler for events from other instances and
// returns an unsubscribe function.
func (c *Channel) Subscribe(fn Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close stops the change watcher. Pending deliveries finish first.
func (c *Channel) Close() error {
	return c.watcher.Stop()
}

// deliver runs on the watcher goroutine for every change to the sync
// key, including this instance's own writes and fsnotify's duplicate
// notifications for one atomic rename. Both are filtered here.
func (c *Channel) deliver() {
	var ev Event
	if err := c.storage.Get(context.Background(), syncKey, &ev); err != nil {
		return
	}
	if ev.ID == "" || ev.Source == c.source {
		return
	}

	c.mu.Lock()
	if ev.ID == c.lastSeen {
		c.mu.Unlock()
		return
	}
	c.lastSeen = ev.ID
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
