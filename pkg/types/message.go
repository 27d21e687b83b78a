package types

// MessageKind discriminates the entries of a session's message list.
type MessageKind string

const (
	KindText     MessageKind = "text"     // user/assistant/system text
	KindActivity MessageKind = "activity" // backend-reported sub-step
	KindDivider  MessageKind = "divider"  // run-duration separator
)

// Role identifies the author of a text entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a session's bounded message list.
type Message struct {
	ID   string      `json:"id"`
	Kind MessageKind `json:"kind"`

	// Text entries.
	Role    Role              `json:"role,omitempty"`
	Text    string            `json:"text,omitempty"`
	Preview *SelectionPreview `json:"preview,omitempty"`

	// Activity entries.
	Activity *ActivityItem `json:"activity,omitempty"`

	// Divider entries.
	DurationMS int64 `json:"durationMS,omitempty"`

	Time MessageTime `json:"time"`
}

// Conversational reports whether the message is user or assistant text.
func (m *Message) Conversational() bool {
	return m.Kind == KindText && (m.Role == RoleUser || m.Role == RoleAssistant)
}

// MessageTime contains timestamps for a message, unix millis.
type MessageTime struct {
	Created int64 `json:"created"`
}

// ActivityCategory classifies a backend-reported sub-step.
type ActivityCategory string

const (
	ActivityReasoning ActivityCategory = "reasoning"
	ActivityCommand   ActivityCategory = "command"
	ActivityFile      ActivityCategory = "file"
	ActivityTool      ActivityCategory = "tool"
	ActivityEvent     ActivityCategory = "event"
)

// ActivityPhase is the lifecycle position of an activity item.
type ActivityPhase string

const (
	PhaseStarted   ActivityPhase = "started"
	PhaseCompleted ActivityPhase = "completed"
	PhaseUnphased  ActivityPhase = "unphased"
)

// ActivityItem is a timeline entry for one backend-reported sub-step
// (command, file change, tool call, reasoning step). It lives only inside
// a session's message list; merge identity is derived from title and the
// first line of detail.
type ActivityItem struct {
	Category ActivityCategory `json:"category"`
	Phase    ActivityPhase    `json:"phase"`
	Title    string           `json:"title"`
	Detail   string           `json:"detail,omitempty"`
	Raw      map[string]any   `json:"raw,omitempty"`
}

// Equal reports structural equality ignoring Raw.
func (a *ActivityItem) Equal(b *ActivityItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Category == b.Category && a.Phase == b.Phase &&
		a.Title == b.Title && a.Detail == b.Detail
}

// SelectionPreview is a short, validated snippet of document context that
// accompanied an outgoing message.
type SelectionPreview struct {
	LocationLabel string `json:"locationLabel"`
	PreviewText   string `json:"previewText"`
}
