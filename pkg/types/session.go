// Package types provides the core data types for the nbcodex client engine.
package types

// RunState describes whether a session currently has an in-flight backend run.
type RunState string

const (
	RunReady   RunState = "ready"
	RunRunning RunState = "running"
)

// ConversationMode records how the backend attached to a conversation thread.
type ConversationMode string

const (
	ModeResume   ConversationMode = "resume"
	ModeFallback ConversationMode = "fallback"
)

// NotebookMode classifies how a document pairs with the backend process.
type NotebookMode string

const (
	NotebookIpynb       NotebookMode = "ipynb"
	NotebookJupytextPy  NotebookMode = "jupytext_py"
	NotebookPlainPy     NotebookMode = "plain_py"
	NotebookUnsupported NotebookMode = "unsupported"
)

// Sandbox levels accepted by the backend.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxDangerFull     = "danger-full-access"
)

// Session is the per-document conversation state. One session exists per
// document path; the key is the trimmed path. A session is mutated only
// through the registry's update function.
type Session struct {
	Key          string    `json:"key"`
	NotebookPath string    `json:"notebookPath"`
	ThreadID     string    `json:"threadID,omitempty"`
	Messages     []Message `json:"messages"`
	RunState     RunState  `json:"runState"`
	ActiveRunID  string    `json:"activeRunID,omitempty"`
	RunStartedAt int64     `json:"runStartedAt,omitempty"` // unix millis, zero while ready
	Progress     Progress  `json:"progress"`

	Pairing          Pairing          `json:"pairing"`
	Options          Options          `json:"options"`
	ConversationMode ConversationMode `json:"conversationMode,omitempty"`
	ResolutionNotice string           `json:"resolutionNotice,omitempty"`

	// PendingPrompt holds draft input carried across a thread reset.
	PendingPrompt string `json:"pendingPrompt,omitempty"`

	// HistoryApplied is set once a non-empty backend history has been
	// replayed into Messages; replay happens at most once per session.
	HistoryApplied bool `json:"historyApplied,omitempty"`

	Revision int64       `json:"revision"`
	Time     SessionTime `json:"time"`
}

// Running reports whether the session has an open run.
func (s *Session) Running() bool {
	return s.RunState == RunRunning
}

// Conversational reports whether the session already holds user or
// assistant text (used to gate one-shot history replay).
func (s *Session) Conversational() bool {
	for i := range s.Messages {
		if s.Messages[i].Conversational() {
			return true
		}
	}
	return false
}

// Progress is the short in-flight status line shown while a run is active.
// Text is length-capped at write time; Kind carries the category of the
// activity that produced it.
type Progress struct {
	Text string           `json:"text,omitempty"`
	Kind ActivityCategory `json:"kind,omitempty"`
}

// Pairing is the backend-declared document compatibility metadata.
type Pairing struct {
	OK               bool         `json:"ok"`
	Path             string       `json:"path,omitempty"`
	Message          string       `json:"message,omitempty"`
	NotebookMode     NotebookMode `json:"notebookMode,omitempty"`
	EffectiveSandbox string       `json:"effectiveSandbox,omitempty"`
}

// Options is the user-selected backend configuration for a session.
type Options struct {
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	Sandbox         string `json:"sandbox,omitempty"`
}

// SessionTime contains timestamps for a session, unix millis.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// BackendDefaults is the backend's advertised default configuration,
// used to seed new sessions and validate model selection.
type BackendDefaults struct {
	Model           string        `json:"model,omitempty"`
	ReasoningEffort string        `json:"reasoningEffort,omitempty"`
	AvailableModels []ModelOption `json:"availableModels,omitempty"`
}

// ModelOption is one entry of the backend's model catalog.
type ModelOption struct {
	Model            string   `json:"model"`
	DisplayName      string   `json:"displayName,omitempty"`
	ReasoningEfforts []string `json:"supportedReasoningEfforts,omitempty"`
	DefaultEffort    string   `json:"defaultReasoningEffort,omitempty"`
}

// ModelNames returns the catalog's model identifiers in order.
func (d BackendDefaults) ModelNames() []string {
	if len(d.AvailableModels) == 0 {
		return nil
	}
	names := make([]string, 0, len(d.AvailableModels))
	for _, m := range d.AvailableModels {
		if m.Model != "" {
			names = append(names, m.Model)
		}
	}
	return names
}
