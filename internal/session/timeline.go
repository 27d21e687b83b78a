package session

import (
	"strings"

	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// MergeActivity folds an incoming activity item into a message list.
// Backend streams emit a started and a completed event for most
// operations; merging collapses each pair into one row that flips from
// started to completed in place. Rules, in order:
//
//  1. a reasoning item identical to the immediately preceding activity
//     entry is dropped (reasoning streams repeat heavily);
//  2. a completed command replaces the nearest prior started command
//     whose first detail line matches;
//  3. any other completed item replaces the nearest prior started item
//     with the same title stem and first detail line;
//  4. otherwise the item is appended.
//
// The backward scan visits at most scanLimit entries and never reorders
// history. The returned bool is false when the item was dropped as a
// duplicate and the list is unchanged.
func MergeActivity(messages []types.Message, item types.ActivityItem, scanLimit int, now int64) ([]types.Message, bool) {
	if scanLimit <= 0 {
		scanLimit = DefaultCaps().MergeScan
	}

	if item.Category == types.ActivityReasoning && len(messages) > 0 {
		last := &messages[len(messages)-1]
		if last.Kind == types.KindActivity && last.Activity.Equal(&item) {
			return messages, false
		}
	}

	if item.Phase == types.PhaseCompleted {
		var match func(a *types.ActivityItem) bool
		if item.Category == types.ActivityCommand {
			key := firstLine(item.Detail)
			match = func(a *types.ActivityItem) bool {
				return a.Category == types.ActivityCommand &&
					a.Phase == types.PhaseStarted &&
					firstLine(a.Detail) == key
			}
		} else {
			key := genericKey(item)
			match = func(a *types.ActivityItem) bool {
				return a.Phase == types.PhaseStarted && genericKey(*a) == key
			}
		}

		lowest := len(messages) - scanLimit
		if lowest < 0 {
			lowest = 0
		}
		for i := len(messages) - 1; i >= lowest; i-- {
			m := &messages[i]
			if m.Kind != types.KindActivity || m.Activity == nil {
				continue
			}
			if match(m.Activity) {
				replaced := item
				messages[i] = types.Message{
					ID:       m.ID,
					Kind:     types.KindActivity,
					Activity: &replaced,
					Time:     m.Time,
				}
				return messages, true
			}
		}
	}

	appended := item
	return append(messages, types.Message{
		ID:       generateID(),
		Kind:     types.KindActivity,
		Activity: &appended,
		Time:     types.MessageTime{Created: now},
	}), true
}

// NewTextMessage builds a text entry for the message list.
func NewTextMessage(role types.Role, text string, preview *types.SelectionPreview, now int64) types.Message {
	return types.Message{
		ID:      generateID(),
		Kind:    types.KindText,
		Role:    role,
		Text:    text,
		Preview: preview,
		Time:    types.MessageTime{Created: now},
	}
}

// NewDivider builds a run-duration divider entry.
func NewDivider(durationMS, now int64) types.Message {
	if durationMS < 0 {
		durationMS = 0
	}
	return types.Message{
		ID:         generateID(),
		Kind:       types.KindDivider,
		DurationMS: durationMS,
		Time:       types.MessageTime{Created: now},
	}
}

// genericKey is the merge identity of non-command activity items: the
// title with its trailing phase word stripped, plus the first detail
// line.
func genericKey(item types.ActivityItem) string {
	return titleStem(item.Title) + "::" + firstLine(item.Detail)
}

func titleStem(title string) string {
	t := strings.TrimSpace(title)
	for _, suffix := range []string{"started", "completed"} {
		if strings.HasSuffix(t, suffix) {
			return strings.TrimSpace(strings.TrimSuffix(t, suffix))
		}
	}
	return t
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
