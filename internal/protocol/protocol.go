// Package protocol defines the JSON frames exchanged with the nbcodex
// backend bridge. Every frame carries a type tag and a protocol version;
// inbound frames are decoded into typed structs via Decode, outbound
// frames stamp their own envelope in Encode.
package protocol

import (
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// Version is the protocol revision spoken by this client.
const Version = "1.0.0"

// MessageType tags a frame on the wire.
type MessageType string

// Backend to client frames.
const (
	TypeStatus      MessageType = "status"
	TypeOutput      MessageType = "output"
	TypeEvent       MessageType = "event"
	TypeError       MessageType = "error"
	TypeDone        MessageType = "done"
	TypeCLIDefaults MessageType = "cli_defaults"
	TypeRateLimits  MessageType = "rate_limits"
)

// Client to backend frames. TypeDeleteAll doubles as the backend's
// acknowledgement frame for the bulk delete.
const (
	TypeStartSession      MessageType = "start_session"
	TypeSend              MessageType = "send"
	TypeCancel            MessageType = "cancel"
	TypeDeleteSession     MessageType = "delete_session"
	TypeDeleteAll         MessageType = "delete_all_sessions"
	TypeEndSession        MessageType = "end_session"
	TypeRefreshRateLimits MessageType = "refresh_rate_limits"
)

// Run states carried on status frames.
const (
	StateRunning = "running"
	StateReady   = "ready"
)

// Envelope is the header common to every frame.
type Envelope struct {
	Type            MessageType `json:"type"`
	ProtocolVersion string      `json:"protocolVersion"`
}

// Correlation identifies the session and run an inbound frame belongs to.
// All fields are optional on the wire; empty values mean the backend did
// not attribute the frame.
type Correlation struct {
	RunID             string `json:"runId,omitempty"`
	SessionID         string `json:"sessionId,omitempty"` // backend thread id
	SessionContextKey string `json:"sessionContextKey,omitempty"`
	NotebookPath      string `json:"notebookPath,omitempty"`
}

// Corr returns the frame's correlation block.
func (c Correlation) Corr() Correlation { return c }

// PairingInfo is the backend's view of how the document pairs with the
// process working directory. PairedOK is a pointer so omitted and false
// stay distinguishable.
type PairingInfo struct {
	PairedOK      *bool  `json:"pairedOk,omitempty"`
	PairedPath    string `json:"pairedPath,omitempty"`
	PairedOSPath  string `json:"pairedOsPath,omitempty"`
	PairedMessage string `json:"pairedMessage,omitempty"`
	NotebookMode  string `json:"notebookMode,omitempty"`
}

// Inbound is implemented by all backend frames.
type Inbound interface {
	Kind() MessageType
}

// HistoryMessage is one replayed conversation entry on a status frame.
type HistoryMessage struct {
	Role             string                  `json:"role"`
	Content          string                  `json:"content"`
	SelectionPreview *types.SelectionPreview `json:"selectionPreview,omitempty"`
}

// Status reports a run state transition plus pairing and thread
// resolution metadata for the owning session.
type Status struct {
	Correlation
	PairingInfo
	State             string           `json:"state"` // "running" | "ready"
	RunMode           string           `json:"runMode,omitempty"`
	History           []HistoryMessage `json:"history,omitempty"`
	SessionResolution string           `json:"sessionResolution,omitempty"`
	ResolutionNotice  string           `json:"sessionResolutionNotice,omitempty"`
	EffectiveSandbox  string           `json:"effectiveSandbox,omitempty"`
}

func (*Status) Kind() MessageType { return TypeStatus }

// Output carries a chunk of conversational text from the backend.
type Output struct {
	Correlation
	Text string `json:"text"`
	Role string `json:"role,omitempty"` // empty means assistant
}

func (*Output) Kind() MessageType { return TypeOutput }

// Event carries a structured activity payload from the backend run.
type Event struct {
	Correlation
	Payload map[string]any `json:"payload"`
}

func (*Event) Kind() MessageType { return TypeEvent }

// RunError reports a failed run. It intentionally does not implement the
// error interface; it is a frame, not a Go error.
type RunError struct {
	Correlation
	PairingInfo
	Message              string `json:"message"`
	RunMode              string `json:"runMode,omitempty"`
	SuggestedCommandPath string `json:"suggestedCommandPath,omitempty"`
}

func (*RunError) Kind() MessageType { return TypeError }

// Done reports run completion. ExitCode is null when the backend could
// not determine one; Cancelled is only present when true.
type Done struct {
	Correlation
	PairingInfo
	ExitCode    *int   `json:"exitCode"`
	FileChanged bool   `json:"fileChanged,omitempty"`
	RunMode     string `json:"runMode,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

func (*Done) Kind() MessageType { return TypeDone }

// CLIDefaults advertises the backend's effective model selection and its
// model catalog.
type CLIDefaults struct {
	Model           string              `json:"model,omitempty"`
	ReasoningEffort string              `json:"reasoningEffort,omitempty"`
	AvailableModels []types.ModelOption `json:"availableModels,omitempty"`
}

func (*CLIDefaults) Kind() MessageType { return TypeCLIDefaults }

// RateLimits wraps the backend's usage snapshot. Snapshot is null when
// the backend has nothing to report.
type RateLimits struct {
	Snapshot *types.RateLimits `json:"snapshot"`
}

func (*RateLimits) Kind() MessageType { return TypeRateLimits }

// DeleteAllAck acknowledges a bulk session delete.
type DeleteAllAck struct {
	OK           bool   `json:"ok"`
	DeletedCount int    `json:"deletedCount"`
	FailedCount  int    `json:"failedCount"`
	Message      string `json:"message,omitempty"`
}

func (*DeleteAllAck) Kind() MessageType { return TypeDeleteAll }
