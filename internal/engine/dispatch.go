package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbcodex-ai/nbcodex/internal/document"
	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/internal/summary"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// HandleFrame decodes and applies one raw backend frame. This is the
// intake queue's handler; it never returns an error because a bad frame
// is handled in place: one diagnostic line, then on to the next frame.
func (d *Dispatcher) HandleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		logging.Warn().Err(err).Msg("Malformed backend frame discarded")
		d.systemDiagnostic(fmt.Sprintf("Ignored a malformed backend message: %v", err))
		return
	}
	d.Apply(msg)
}

// HandlePanic converts a recovered intake panic into a diagnostic line.
// Wired as the intake queue's OnPanic hook.
func (d *Dispatcher) HandlePanic(recovered any, _ []byte) {
	d.systemDiagnostic(fmt.Sprintf("Internal error while processing a backend message: %v", recovered))
}

// Apply routes one decoded frame to its handler.
func (d *Dispatcher) Apply(msg protocol.Inbound) {
	now := time.Now().UnixMilli()
	switch m := msg.(type) {
	case *protocol.CLIDefaults:
		d.applyDefaults(m)
	case *protocol.RateLimits:
		d.applyRateLimits(m)
	case *protocol.DeleteAllAck:
		d.applyDeleteAllAck(m)
	case *protocol.Status:
		d.applyStatus(m, now)
	case *protocol.Output:
		d.applyOutput(m, now)
	case *protocol.Event:
		d.applyEvent(m, now)
	case *protocol.RunError:
		d.applyError(m, now)
	case *protocol.Done:
		d.applyDone(m, now)
	default:
		logging.Debug().Str("kind", string(msg.Kind())).Msg("Frame kind has no handler")
	}
}

func (d *Dispatcher) applyDefaults(m *protocol.CLIDefaults) {
	defaults := types.BackendDefaults{
		Model:           protocol.SanitizeModel(m.Model),
		ReasoningEffort: protocol.SanitizeEffort(m.ReasoningEffort),
		AvailableModels: m.AvailableModels,
	}
	d.registry.SetDefaults(defaults)
	d.publish(event.Event{
		Type: event.DefaultsUpdated,
		Data: event.DefaultsUpdatedData{Defaults: defaults},
	})
}

func (d *Dispatcher) applyRateLimits(m *protocol.RateLimits) {
	if m.Snapshot == nil {
		return
	}
	d.setRateLimits(*m.Snapshot)
}

// applyDeleteAllAck finishes a bulk delete. Success destroys every
// session (the backend already dropped the threads); failure keeps
// local state and surfaces the counts.
func (d *Dispatcher) applyDeleteAllAck(m *protocol.DeleteAllAck) {
	if !m.OK {
		text := fmt.Sprintf("Deleting all sessions failed (%d deleted, %d failed).", m.DeletedCount, m.FailedCount)
		if m.Message != "" {
			text += " " + truncate(m.Message, diagnosticTextCap)
		}
		d.systemDiagnostic(text)
		return
	}

	d.registry.ReplaceAll(nil)
	d.runs.Reset()
	if d.attachments != nil {
		d.attachments.Clear()
	}
	d.markDeleteAllPending(false)
}

func (d *Dispatcher) applyStatus(m *protocol.Status, now int64) {
	// Status frames are allowed to introduce sessions: the backend sees
	// documents this instance has not opened yet.
	if path := document.SessionKey(m.NotebookPath); path != "" {
		d.registry.Ensure(path, document.SessionKey(m.SessionContextKey))
	}

	key, ok := d.resolveKey(m.Correlation)
	if !ok {
		logging.Debug().Str("runId", m.RunID).Msg("Status frame resolved to no session")
		return
	}

	prev, _ := d.registry.Get(key)
	if prev != nil && m.SessionID != "" && m.SessionID != prev.ThreadID && d.attachments != nil {
		d.attachments.Migrate(windowID(prev), m.SessionID)
	}

	d.registry.Update(key, func(s *types.Session) bool {
		changed := reconcilePairing(s, m.PairingInfo)
		if m.EffectiveSandbox != "" && s.Pairing.EffectiveSandbox != m.EffectiveSandbox {
			s.Pairing.EffectiveSandbox = m.EffectiveSandbox
			changed = true
		}

		if m.SessionID != "" && s.ThreadID != m.SessionID {
			s.ThreadID = m.SessionID
			changed = true
		}
		if reconcileMode(s, m.RunMode, m.ResolutionNotice, now) {
			changed = true
		}

		switch m.State {
		case protocol.StateRunning:
			if session.BeginRun(s, m.RunID, now) {
				changed = true
			}
		case protocol.StateReady:
			if session.FinishRun(s, now) {
				changed = true
			}
		}

		if d.replayHistory(s, m.History, now) {
			changed = true
		}
		return changed
	})

	switch m.State {
	case protocol.StateRunning:
		d.runs.Bind(m.RunID, key)
	case protocol.StateReady:
		d.releaseRuns(m.RunID, prev)
	}
}

func (d *Dispatcher) applyOutput(m *protocol.Output, now int64) {
	text := summary.StripNoise(m.Text)
	if text == "" {
		return
	}
	key, ok := d.resolveKey(m.Correlation)
	if !ok {
		return
	}

	role := types.RoleAssistant
	switch m.Role {
	case "user":
		role = types.RoleUser
	case "system":
		role = types.RoleSystem
	}

	d.registry.Update(key, func(s *types.Session) bool {
		s.Messages = append(s.Messages, session.NewTextMessage(role, text, nil, now))
		return true
	})
}

func (d *Dispatcher) applyEvent(m *protocol.Event, now int64) {
	item, ok := summary.FromPayload(m.Payload)
	if !ok {
		return
	}
	key, found := d.resolveKey(m.Correlation)
	if !found {
		return
	}

	d.registry.Update(key, func(s *types.Session) bool {
		merged, changed := session.MergeActivity(s.Messages, *item, 0, now)
		s.Messages = merged

		if s.Running() {
			if session.SetProgress(s, summary.ProgressLine(item), item.Category) {
				changed = true
			}
		}
		return changed
	})
}

func (d *Dispatcher) applyError(m *protocol.RunError, now int64) {
	key, ok := d.resolveKey(m.Correlation)
	if !ok {
		d.systemDiagnostic(errorText(m))
		return
	}
	prev, _ := d.registry.Get(key)

	d.registry.Update(key, func(s *types.Session) bool {
		reconcilePairing(s, m.PairingInfo)
		reconcileMode(s, m.RunMode, "", now)
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleSystem, errorText(m), nil, now))
		session.FinishRun(s, now)
		return true
	})

	d.releaseRuns(m.RunID, prev)
}

func (d *Dispatcher) applyDone(m *protocol.Done, now int64) {
	key, ok := d.resolveKey(m.Correlation)
	if !ok {
		return
	}
	prev, _ := d.registry.Get(key)

	d.registry.Update(key, func(s *types.Session) bool {
		changed := reconcilePairing(s, m.PairingInfo)
		if reconcileMode(s, m.RunMode, "", now) {
			changed = true
		}

		if !m.Cancelled && m.ExitCode != nil && *m.ExitCode != 0 {
			text := fmt.Sprintf("Run failed with exit code %d.", *m.ExitCode)
			s.Messages = append(s.Messages, session.NewTextMessage(types.RoleSystem, text, nil, now))
			changed = true
		}
		if session.FinishRun(s, now) {
			changed = true
		}
		return changed
	})

	d.releaseRuns(m.RunID, prev)

	if m.FileChanged && d.provider != nil && prev != nil {
		if err := d.provider.Revert(context.Background(), prev.NotebookPath); err != nil {
			logging.Debug().Err(err).Str("path", prev.NotebookPath).Msg("Document refresh after backend edit failed")
		}
	}
}

// releaseRuns clears the correlation entries a terminal frame retires:
// the frame's own run id plus whatever the session believed was active.
func (d *Dispatcher) releaseRuns(runID string, prev *types.Session) {
	if runID != "" {
		d.runs.Release(runID)
	}
	if prev != nil && prev.ActiveRunID != "" && prev.ActiveRunID != runID {
		d.runs.Release(prev.ActiveRunID)
	}
}

// reconcilePairing folds backend pairing metadata onto the session.
// Only fields the frame carries are applied.
func reconcilePairing(s *types.Session, p protocol.PairingInfo) bool {
	changed := false
	if p.PairedOK != nil && s.Pairing.OK != *p.PairedOK {
		s.Pairing.OK = *p.PairedOK
		changed = true
	}
	if p.PairedPath != "" && s.Pairing.Path != p.PairedPath {
		s.Pairing.Path = p.PairedPath
		changed = true
	}
	if p.PairedMessage != "" && s.Pairing.Message != p.PairedMessage {
		s.Pairing.Message = p.PairedMessage
		changed = true
	}
	if p.NotebookMode != "" && s.Pairing.NotebookMode != types.NotebookMode(p.NotebookMode) {
		s.Pairing.NotebookMode = types.NotebookMode(p.NotebookMode)
		changed = true
	}
	return changed
}

// reconcileMode applies the backend's conversation mode. A resume
// session reclassified as fallback gets one system notice; repeated
// statuses with the same notice stay quiet.
func reconcileMode(s *types.Session, runMode, notice string, now int64) bool {
	changed := false

	var mode types.ConversationMode
	switch runMode {
	case string(types.ModeResume):
		mode = types.ModeResume
	case string(types.ModeFallback):
		mode = types.ModeFallback
	}

	if mode != "" && s.ConversationMode != mode {
		if s.ConversationMode == types.ModeResume && mode == types.ModeFallback && notice == "" {
			notice = "Previous conversation could not be resumed; a new thread was started."
		}
		s.ConversationMode = mode
		changed = true
	}

	if notice != "" && notice != s.ResolutionNotice {
		s.ResolutionNotice = notice
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleSystem, notice, nil, now))
		changed = true
	}
	return changed
}

// windowID is the attachment window a session currently records under:
// its thread id once known, its session key before that.
func windowID(s *types.Session) string {
	if s.ThreadID != "" {
		return s.ThreadID
	}
	return s.Key
}

func errorText(m *protocol.RunError) string {
	text := strings.TrimSpace(m.Message)
	if text == "" {
		text = "The backend reported an error."
	}
	text = truncate(text, diagnosticTextCap)
	if m.SuggestedCommandPath != "" {
		text += fmt.Sprintf(" Try setting the backend command path to %q.", m.SuggestedCommandPath)
	}
	return text
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
