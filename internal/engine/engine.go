// Package engine reconciles backend events and user actions into
// session state.
//
// The dispatcher owns nothing visible: it routes decoded frames into
// the session registry, maintains the run correlation table, keeps the
// attachment windows aligned with backend thread ids, and emits the
// outbound intents (start, send, cancel, delete) the backend bridge
// understands. All state it touches is injected, so several engines can
// coexist in one process, which is how the cross-instance sync paths
// are tested.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nbcodex-ai/nbcodex/internal/attach"
	"github.com/nbcodex-ai/nbcodex/internal/document"
	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/internal/storage"
	"github.com/nbcodex-ai/nbcodex/internal/threadsync"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

const (
	// diagnosticTextCap bounds backend error text carried into a system
	// message.
	diagnosticTextCap = 500
	// defaultLocationCap and defaultPreviewCap bound stored selection
	// previews unless the configuration overrides them.
	defaultLocationCap = 80
	defaultPreviewCap  = 1000
)

// deleteAllPendingKey is the storage sentinel for an unacknowledged
// bulk delete. It survives restarts so the request is retried after
// reconnect.
var deleteAllPendingKey = []string{"delete-all-pending"}

var (
	// ErrRunActive rejects a prompt while the session already has an
	// in-flight run.
	ErrRunActive = errors.New("a run is already active")

	// ErrNotPaired rejects a prompt for a document the classifier has
	// blocked.
	ErrNotPaired = errors.New("document is not paired")

	// ErrNotDelivered marks a frame that could not reach the backend.
	ErrNotDelivered = errors.New("backend connection unavailable")

	// ErrUnknownSession rejects an action against a document that never
	// opened a session.
	ErrUnknownSession = errors.New("no session for document")
)

// Sender pushes an encoded frame toward the backend. Implementations
// must not block on delivery; the engine treats send as fire-and-forget.
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Config holds the collaborators for a Dispatcher.
type Config struct {
	Registry    *session.Registry
	Runs        *session.RunTable
	Attachments *attach.Store
	Classifier  *document.Classifier
	Provider    document.Provider
	Sender      Sender
	Bus         *event.Bus
	Storage     *storage.Storage
	Sync        *threadsync.Channel
	// CommandPath overrides the backend executable location, forwarded
	// on handshakes and sends.
	CommandPath string

	// PreviewChars and LocationChars bound stored selection previews.
	// Zero keeps the built-in caps.
	PreviewChars  int
	LocationChars int
}

// Dispatcher applies inbound backend frames and user actions to the
// session registry. Frames must arrive serialized (the intake queue
// guarantees this); user actions may come from any goroutine.
type Dispatcher struct {
	registry    *session.Registry
	runs        *session.RunTable
	attachments *attach.Store
	classifier  *document.Classifier
	provider    document.Provider
	sender      Sender
	bus         *event.Bus
	storage     *storage.Storage
	sync        *threadsync.Channel
	commandPath string

	previewCap  int
	locationCap int

	mu        sync.RWMutex
	limits    *types.RateLimits
	unsubSync func()
}

// NewDispatcher wires a dispatcher from its collaborators. Nil optional
// collaborators (storage, sync, provider) degrade the matching features
// instead of failing.
func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry:    cfg.Registry,
		runs:        cfg.Runs,
		attachments: cfg.Attachments,
		classifier:  cfg.Classifier,
		provider:    cfg.Provider,
		sender:      cfg.Sender,
		bus:         cfg.Bus,
		storage:     cfg.Storage,
		sync:        cfg.Sync,
		commandPath: cfg.CommandPath,
		previewCap:  cfg.PreviewChars,
		locationCap: cfg.LocationChars,
	}
	if d.previewCap <= 0 {
		d.previewCap = defaultPreviewCap
	}
	if d.locationCap <= 0 {
		d.locationCap = defaultLocationCap
	}
	if d.runs == nil {
		d.runs = session.NewRunTable()
	}
	if d.classifier == nil {
		d.classifier = document.NewClassifier(nil)
	}
	if d.sync != nil {
		d.unsubSync = d.sync.Subscribe(d.handleSyncEvent)
	}
	return d
}

// Close detaches the dispatcher from the sync channel.
func (d *Dispatcher) Close() {
	if d.unsubSync != nil {
		d.unsubSync()
		d.unsubSync = nil
	}
}

// RateLimits returns the last backend usage snapshot, if any arrived.
func (d *Dispatcher) RateLimits() (types.RateLimits, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.limits == nil {
		return types.RateLimits{}, false
	}
	return *d.limits, true
}

func (d *Dispatcher) setRateLimits(snapshot types.RateLimits) {
	d.mu.Lock()
	d.limits = &snapshot
	d.mu.Unlock()

	d.publish(event.Event{
		Type: event.RateLimitsUpdated,
		Data: event.RateLimitsUpdatedData{Limits: snapshot},
	})
}

// send encodes and hands one frame to the transport. Failures are
// reported to the caller but delivery itself is never awaited.
func (d *Dispatcher) send(msg protocol.Outbound) error {
	if d.sender == nil {
		return nil
	}
	return d.sender.Send(msg)
}

func (d *Dispatcher) publish(ev event.Event) {
	if d.bus != nil {
		d.bus.Publish(ev)
		return
	}
	event.Publish(ev)
}

// systemDiagnostic appends a system-role line to the foreground session.
// Used for malformed frames and recovered dispatch panics; when no
// session is foregrounded the text is only logged.
func (d *Dispatcher) systemDiagnostic(text string) {
	if text == "" {
		return
	}
	key := d.registry.Foreground()
	if key == "" {
		logging.Warn().Str("text", text).Msg("Dropped diagnostic: no foreground session")
		return
	}
	now := time.Now().UnixMilli()
	d.registry.Update(key, func(s *types.Session) bool {
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleSystem, text, nil, now))
		return true
	})
}

// resolveKey walks the session resolution chain for an inbound frame:
// explicit session context key, then the run table, then the active
// session for the frame's document path, then the foreground session.
func (d *Dispatcher) resolveKey(c protocol.Correlation) (string, bool) {
	if key := document.SessionKey(c.SessionContextKey); key != "" {
		if _, ok := d.registry.Get(key); ok {
			return key, true
		}
	}
	if c.RunID != "" {
		if key, ok := d.runs.Resolve(c.RunID); ok {
			return key, true
		}
	}
	if path := document.SessionKey(c.NotebookPath); path != "" {
		if s, ok := d.registry.ForPath(path); ok {
			return s.Key, true
		}
	}
	if key := d.registry.Foreground(); key != "" {
		return key, true
	}
	return "", false
}

// markDeleteAllPending persists the bulk-delete sentinel. Storage
// failures are swallowed; the sentinel only adds retry-after-reconnect.
func (d *Dispatcher) markDeleteAllPending(pending bool) {
	if d.storage == nil {
		return
	}
	ctx := context.Background()
	if pending {
		record := map[string]int64{"issuedAt": time.Now().UnixMilli()}
		if err := d.storage.Put(ctx, deleteAllPendingKey, record); err != nil {
			logging.Debug().Err(err).Msg("Failed to persist delete-all sentinel")
		}
		return
	}
	if err := d.storage.Delete(ctx, deleteAllPendingKey); err != nil {
		logging.Debug().Err(err).Msg("Failed to clear delete-all sentinel")
	}
}

func (d *Dispatcher) deleteAllPending() bool {
	if d.storage == nil {
		return false
	}
	return d.storage.Exists(context.Background(), deleteAllPendingKey)
}
