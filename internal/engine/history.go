package engine

import (
	"strings"

	"github.com/nbcodex-ai/nbcodex/internal/attach"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// replayHistory rebuilds a session's message list from the backend's
// replayed conversation. It runs at most once per session: only when
// the session has never been conversational and no earlier replay
// happened. Stored selection previews re-attach to user entries by
// content hash through the forward-only cursor, so repeated identical
// prompts pair with their own previews in order.
//
// Runs inside a Registry.Update mutator; s is the mutable copy.
func (d *Dispatcher) replayHistory(s *types.Session, history []protocol.HistoryMessage, now int64) bool {
	if len(history) == 0 || s.HistoryApplied {
		return false
	}
	if s.Conversational() {
		// Local conversation already exists; replay would duplicate it.
		s.HistoryApplied = true
		return true
	}

	var cursor *attach.Cursor
	if d.attachments != nil {
		cursor = d.attachments.Replay(windowID(s))
	}

	for _, h := range history {
		text := h.Content
		if strings.TrimSpace(text) == "" {
			continue
		}

		role := types.RoleAssistant
		switch h.Role {
		case "user":
			role = types.RoleUser
		case "system":
			role = types.RoleSystem
		}

		preview := h.SelectionPreview
		if preview == nil && role == types.RoleUser && cursor != nil {
			preview = cursor.Match(text)
		}
		s.Messages = append(s.Messages, session.NewTextMessage(role, text, preview, now))
	}

	s.HistoryApplied = true
	return true
}
