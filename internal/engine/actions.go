package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/nbcodex-ai/nbcodex/internal/attach"
	"github.com/nbcodex-ai/nbcodex/internal/document"
	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/internal/threadsync"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

const (
	// maxImageBytes caps one decoded image attachment; maxImagesBytes
	// caps the decoded total per send.
	maxImageBytes  = 4 << 20
	maxImagesBytes = 6 << 20
	// suggestionDistance is the furthest edit distance still offered as
	// a model name correction.
	suggestionDistance = 5
)

// SendRequest is one user prompt for a document's session.
type SendRequest struct {
	Path    string
	Content string
	Images  []protocol.ImageAttachment
}

// OpenDocument makes path's session exist, classifies the document,
// foregrounds it, and issues the backend handshake. Returns the session
// snapshot.
func (d *Dispatcher) OpenDocument(ctx context.Context, path string) (*types.Session, error) {
	key := document.SessionKey(path)
	if key == "" {
		return nil, fmt.Errorf("no document path")
	}

	s := d.registry.Ensure(key, "")
	if s == nil {
		return nil, fmt.Errorf("session for %q could not be created", path)
	}
	d.registry.SetForeground(key)

	pairing := d.classifier.Pairing(key, key)
	updated, changed := d.registry.Update(key, func(s *types.Session) bool {
		if s.Pairing == pairing {
			return false
		}
		s.Pairing = pairing
		return true
	})
	if changed {
		s = updated
	}

	if err := d.send(protocol.StartSession{
		SessionID:         s.ThreadID,
		NotebookPath:      s.NotebookPath,
		SessionContextKey: s.Key,
		CommandPath:       d.commandPath,
	}); err != nil {
		logging.Warn().Err(err).Str("path", key).Msg("Session handshake not delivered")
	}
	return s, nil
}

// SendPrompt submits a user prompt. The document is saved first and a
// save failure aborts the send untouched; everything after that is
// fire-and-forget.
func (d *Dispatcher) SendPrompt(ctx context.Context, req SendRequest) error {
	key := document.SessionKey(req.Path)
	if key == "" {
		return fmt.Errorf("no document path")
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("empty prompt")
	}
	if err := validateImages(req.Images); err != nil {
		return err
	}

	s := d.registry.Ensure(key, "")
	if s == nil {
		return fmt.Errorf("session for %q could not be created", req.Path)
	}

	pairing := d.classifier.Pairing(key, key)
	if !pairing.OK {
		d.registry.Update(key, func(s *types.Session) bool {
			if s.Pairing == pairing {
				return false
			}
			s.Pairing = pairing
			return true
		})
		msg := pairing.Message
		if msg == "" {
			msg = "This document cannot be used with the backend."
		}
		return fmt.Errorf("%w: %s", ErrNotPaired, msg)
	}

	if s.Running() {
		return fmt.Errorf("%w for %q", ErrRunActive, key)
	}

	if d.provider != nil {
		if err := d.provider.Save(ctx, key); err != nil {
			return fmt.Errorf("save document: %w", err)
		}
	}

	selection := d.selectionText(ctx)
	cellOutput := d.cellOutputText(ctx)
	preview := attach.NewPreview(filepath.Base(key), selection, d.locationCap, d.previewCap)

	now := time.Now().UnixMilli()
	d.registry.Update(key, func(s *types.Session) bool {
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleUser, req.Content, preview, now))
		s.PendingPrompt = ""
		return true
	})

	current, _ := d.registry.Get(key)
	if current == nil {
		current = s
	}
	if preview != nil && d.attachments != nil {
		d.attachments.Record(windowID(current), req.Content, preview)
	}

	frame := protocol.Send{
		SessionID:          current.ThreadID,
		SessionContextKey:  current.Key,
		NotebookPath:       current.NotebookPath,
		Content:            req.Content,
		CommandPath:        d.commandPath,
		Model:              protocol.SanitizeModel(current.Options.Model),
		ReasoningEffort:    protocol.SanitizeEffort(current.Options.ReasoningEffort),
		Sandbox:            protocol.SanitizeSandbox(current.Options.Sandbox),
		Selection:          selection,
		CellOutput:         cellOutput,
		Images:             req.Images,
		UISelectionPreview: preview,
	}
	if err := d.send(frame); err != nil {
		d.registry.Update(key, func(s *types.Session) bool {
			s.PendingPrompt = req.Content
			s.Messages = append(s.Messages, session.NewTextMessage(types.RoleSystem,
				"Message not delivered; the backend connection is down. It will be kept as a draft.", nil, now))
			return true
		})
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return nil
}

// CancelRun asks the backend to interrupt the session's active run.
// Best effort: state only changes when a terminal event arrives.
func (d *Dispatcher) CancelRun(path string) error {
	s, ok := d.registry.ForPath(document.SessionKey(path))
	if !ok || !s.Running() || s.ActiveRunID == "" {
		return nil
	}
	if err := d.send(protocol.Cancel{RunID: s.ActiveRunID}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return nil
}

// NewThread abandons the session's backend thread and starts a fresh
// one: local reset, cross-instance broadcast, new handshake. Returns
// the minted thread id.
func (d *Dispatcher) NewThread(ctx context.Context, path string) (string, error) {
	key := document.SessionKey(path)
	if key == "" {
		return "", fmt.Errorf("no document path")
	}
	if s := d.registry.Ensure(key, ""); s == nil {
		return "", fmt.Errorf("session for %q could not be created", path)
	}
	return d.freshThread(ctx, key), nil
}

// DeleteThread removes the session's conversation from the backend and
// moves the session onto a fresh thread. Registry entries are only
// destroyed by the bulk clear, so locally this is a reset with the old
// backend record gone for good.
func (d *Dispatcher) DeleteThread(ctx context.Context, path string) (string, error) {
	key := document.SessionKey(path)
	if key == "" {
		return "", fmt.Errorf("no document path")
	}
	s, ok := d.registry.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSession, path)
	}

	if s.ThreadID != "" {
		if err := d.send(protocol.DeleteSession{SessionID: s.ThreadID, SessionContextKey: key}); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotDelivered, err)
		}
	}
	return d.freshThread(ctx, key), nil
}

// CloseDocument tells the backend a document's tab went away so it can
// stamp the conversation metadata. The session and its thread binding
// stay for the next open; only the foreground mark is released. Best
// effort: a dead transport costs nothing but the stamp.
func (d *Dispatcher) CloseDocument(path string) {
	key := document.SessionKey(path)
	if key == "" {
		return
	}
	s, ok := d.registry.Get(key)
	if !ok {
		return
	}
	if d.registry.Foreground() == key {
		d.registry.SetForeground("")
	}
	if s.ThreadID == "" {
		return
	}
	if err := d.send(protocol.EndSession{SessionID: s.ThreadID, SessionContextKey: key}); err != nil {
		logging.Debug().Err(err).Str("sessionKey", key).Msg("Session close not delivered")
	}
}

// freshThread mints a thread id, applies the local reset, and announces
// it to other instances sharing the storage directory.
func (d *Dispatcher) freshThread(ctx context.Context, key string) string {
	threadID := uuid.NewString()
	d.applyThreadReset(key, threadID, false)

	if d.sync != nil {
		if err := d.sync.Publish(ctx, threadsync.Event{
			SessionKey:   key,
			NotebookPath: key,
			ThreadID:     threadID,
		}); err != nil {
			logging.Debug().Err(err).Str("sessionKey", key).Msg("Thread reset broadcast failed")
		}
	}
	return threadID
}

// DeleteAll requests a bulk delete of every backend thread. Local state
// is only cleared when the acknowledgement arrives; until then a
// storage sentinel keeps the request retryable across reconnects.
func (d *Dispatcher) DeleteAll(ctx context.Context) error {
	d.markDeleteAllPending(true)
	if err := d.send(protocol.DeleteAllSessions{}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return nil
}

// RefreshLimits asks the backend to push a fresh usage snapshot.
func (d *Dispatcher) RefreshLimits() error {
	if err := d.send(protocol.RefreshRateLimits{}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	return nil
}

// SetForeground marks path's session as the resolution fallback target.
func (d *Dispatcher) SetForeground(path string) {
	d.registry.SetForeground(document.SessionKey(path))
}

// SetOptions updates a session's model, reasoning effort, and sandbox
// selection. Empty fields keep their current value. An unknown model is
// rejected, with a nearest-match suggestion when the catalog has one
// close enough.
func (d *Dispatcher) SetOptions(path string, opts types.Options) error {
	key := document.SessionKey(path)
	if key == "" {
		return fmt.Errorf("no document path")
	}
	if s := d.registry.Ensure(key, ""); s == nil {
		return fmt.Errorf("session for %q could not be created", path)
	}

	model := strings.TrimSpace(opts.Model)
	if model != "" {
		sanitized := protocol.SanitizeModel(model)
		if sanitized == "" {
			return fmt.Errorf("invalid model name %q", model)
		}
		if err := d.checkModelKnown(sanitized); err != nil {
			return err
		}
		model = sanitized
	}

	effort := strings.TrimSpace(opts.ReasoningEffort)
	if effort != "" {
		effort = protocol.SanitizeEffort(effort)
		if effort == "" {
			return fmt.Errorf("invalid reasoning effort %q", opts.ReasoningEffort)
		}
	}

	sandbox := strings.TrimSpace(opts.Sandbox)
	if sandbox != "" {
		sandbox = protocol.SanitizeSandbox(sandbox)
		if sandbox == "" {
			return fmt.Errorf("invalid sandbox mode %q", opts.Sandbox)
		}
	}

	d.registry.Update(key, func(s *types.Session) bool {
		changed := false
		if model != "" && s.Options.Model != model {
			s.Options.Model = model
			changed = true
		}
		if effort != "" && s.Options.ReasoningEffort != effort {
			s.Options.ReasoningEffort = effort
			changed = true
		}
		if sandbox != "" && s.Options.Sandbox != sandbox {
			s.Options.Sandbox = sandbox
			changed = true
		}
		return changed
	})
	return nil
}

// OnConnect re-issues the handshake for every known session and retries
// a pending bulk delete. Wired to the transport's connected callback.
func (d *Dispatcher) OnConnect() {
	snap := d.registry.Snapshot()
	keys := make([]string, 0, len(snap))
	for key := range snap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		s := snap[key]
		if err := d.send(protocol.StartSession{
			SessionID:         s.ThreadID,
			NotebookPath:      s.NotebookPath,
			SessionContextKey: s.Key,
			CommandPath:       d.commandPath,
		}); err != nil {
			logging.Warn().Err(err).Str("sessionKey", key).Msg("Reconnect handshake not delivered")
			return
		}
	}

	if d.deleteAllPending() {
		if err := d.send(protocol.DeleteAllSessions{}); err != nil {
			logging.Warn().Err(err).Msg("Pending delete-all retry not delivered")
		}
	}
}

// handleSyncEvent applies a thread reset announced by another instance.
// The channel already filtered own-source and duplicate events; what
// remains is checked for a resolvable session and idempotence.
func (d *Dispatcher) handleSyncEvent(ev threadsync.Event) {
	s, ok := d.registry.Get(ev.SessionKey)
	if !ok {
		return
	}
	if s.ThreadID == ev.ThreadID {
		return
	}
	d.applyThreadReset(ev.SessionKey, ev.ThreadID, true)
}

// applyThreadReset swaps a session onto a new thread id and clears
// everything scoped to the old conversation: messages, run state, run
// table entries, draft input, and the attachment window. A local reset
// forces a fresh backend thread; a remote one attaches to the thread
// the other instance already started.
func (d *Dispatcher) applyThreadReset(key, threadID string, remote bool) {
	prev, _ := d.registry.Get(key)
	oldWindow := ""
	if prev != nil {
		oldWindow = windowID(prev)
	}

	d.runs.ReleaseSession(key)

	updated, _ := d.registry.Update(key, func(s *types.Session) bool {
		s.ThreadID = threadID
		s.Messages = nil
		s.RunState = types.RunReady
		s.ActiveRunID = ""
		s.RunStartedAt = 0
		s.Progress = types.Progress{}
		s.HistoryApplied = false
		s.ConversationMode = ""
		s.ResolutionNotice = ""
		s.PendingPrompt = ""
		return true
	})

	if d.attachments != nil && oldWindow != "" {
		d.attachments.Drop(oldWindow)
	}

	path := key
	if updated != nil {
		path = updated.NotebookPath
	}
	if err := d.send(protocol.StartSession{
		SessionID:         threadID,
		NotebookPath:      path,
		SessionContextKey: key,
		ForceNewThread:    !remote,
		CommandPath:       d.commandPath,
	}); err != nil {
		logging.Warn().Err(err).Str("sessionKey", key).Msg("Thread reset handshake not delivered")
	}

	d.publish(event.Event{
		Type: event.ThreadReset,
		Data: event.ThreadResetData{SessionKey: key, ThreadID: threadID, Remote: remote},
	})
}

func (d *Dispatcher) selectionText(ctx context.Context) string {
	if d.provider == nil {
		return ""
	}
	text, err := d.provider.SelectionText(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("Selection text unavailable")
		return ""
	}
	return text
}

func (d *Dispatcher) cellOutputText(ctx context.Context) string {
	if d.provider == nil {
		return ""
	}
	raw, err := d.provider.CellOutput(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("Cell output unavailable")
		return ""
	}
	return attach.CellOutputText(raw)
}

// checkModelKnown validates a model name against the backend catalog.
// An empty catalog accepts anything; the backend has not told us what
// it supports.
func (d *Dispatcher) checkModelKnown(model string) error {
	names := d.registry.Defaults().ModelNames()
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if name == model {
			return nil
		}
	}

	best := ""
	bestDist := suggestionDistance + 1
	for _, name := range names {
		if dist := levenshtein.ComputeDistance(model, name); dist < bestDist {
			best = name
			bestDist = dist
		}
	}
	if best != "" {
		return fmt.Errorf("unknown model %q (did you mean %q?)", model, best)
	}
	return fmt.Errorf("unknown model %q", model)
}

func validateImages(images []protocol.ImageAttachment) error {
	if len(images) > protocol.MaxImageAttachments {
		return fmt.Errorf("too many image attachments: %d (limit %d)", len(images), protocol.MaxImageAttachments)
	}
	total := 0
	for _, img := range images {
		if !protocol.ValidImageDataURL(img.DataURL) {
			return fmt.Errorf("unsupported image attachment %q", img.Name)
		}
		size := decodedImageSize(img.DataURL)
		if size > maxImageBytes {
			return fmt.Errorf("image attachment %q exceeds the %d MB limit", img.Name, maxImageBytes>>20)
		}
		total += size
	}
	if total > maxImagesBytes {
		return fmt.Errorf("image attachments exceed the %d MB total limit", maxImagesBytes>>20)
	}
	return nil
}

// decodedImageSize estimates the decoded byte count of a data URL
// without materializing it.
func decodedImageSize(dataURL string) int {
	i := strings.IndexByte(dataURL, ',')
	if i < 0 {
		return 0
	}
	return base64.StdEncoding.DecodedLen(len(dataURL) - i - 1)
}
