package protocol

import (
	"encoding/json"

	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// Outbound is implemented by all client frames.
type Outbound interface {
	Encode() ([]byte, error)
}

// MaxImageAttachments caps how many images a single send may carry.
const MaxImageAttachments = 4

// ImageAttachment is one user-attached image, encoded as a data URL.
type ImageAttachment struct {
	DataURL string `json:"dataUrl"`
	Name    string `json:"name,omitempty"`
}

// StartSession asks the backend to open or resume the thread bound to a
// document. SessionID may be empty; the backend then resolves or mints
// a thread id and reports it back on the status frame.
type StartSession struct {
	Envelope
	SessionID         string `json:"sessionId"`
	NotebookPath      string `json:"notebookPath"`
	SessionContextKey string `json:"sessionContextKey,omitempty"`
	ForceNewThread    bool   `json:"forceNewThread,omitempty"`
	CommandPath       string `json:"commandPath,omitempty"`
}

// Encode stamps the frame header and serializes the message.
func (m StartSession) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeStartSession, ProtocolVersion: Version}
	return json.Marshal(m)
}

// Send submits a prompt for the session's thread.
type Send struct {
	Envelope
	SessionID          string                  `json:"sessionId"`
	SessionContextKey  string                  `json:"sessionContextKey,omitempty"`
	NotebookPath       string                  `json:"notebookPath,omitempty"`
	Content            string                  `json:"content"`
	CommandPath        string                  `json:"commandPath,omitempty"`
	Model              string                  `json:"model,omitempty"`
	ReasoningEffort    string                  `json:"reasoningEffort,omitempty"`
	Sandbox            string                  `json:"sandbox,omitempty"`
	Selection          string                  `json:"selection,omitempty"`
	CellOutput         string                  `json:"cellOutput,omitempty"`
	Images             []ImageAttachment       `json:"images,omitempty"`
	UISelectionPreview *types.SelectionPreview `json:"uiSelectionPreview,omitempty"`
}

func (m Send) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeSend, ProtocolVersion: Version}
	return json.Marshal(m)
}

// Cancel interrupts an in-flight run.
type Cancel struct {
	Envelope
	RunID string `json:"runId"`
}

func (m Cancel) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeCancel, ProtocolVersion: Version}
	return json.Marshal(m)
}

// DeleteSession drops one backend thread.
type DeleteSession struct {
	Envelope
	SessionID         string `json:"sessionId"`
	SessionContextKey string `json:"sessionContextKey,omitempty"`
}

func (m DeleteSession) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeDeleteSession, ProtocolVersion: Version}
	return json.Marshal(m)
}

// DeleteAllSessions drops every backend thread. The backend answers with
// a DeleteAllAck frame.
type DeleteAllSessions struct {
	Envelope
}

func (m DeleteAllSessions) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeDeleteAll, ProtocolVersion: Version}
	return json.Marshal(m)
}

// EndSession detaches from a thread without deleting it.
type EndSession struct {
	Envelope
	SessionID         string `json:"sessionId"`
	SessionContextKey string `json:"sessionContextKey,omitempty"`
}

func (m EndSession) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeEndSession, ProtocolVersion: Version}
	return json.Marshal(m)
}

// RefreshRateLimits asks the backend to re-read and push its usage
// snapshot.
type RefreshRateLimits struct {
	Envelope
}

func (m RefreshRateLimits) Encode() ([]byte, error) {
	m.Envelope = Envelope{Type: TypeRefreshRateLimits, ProtocolVersion: Version}
	return json.Marshal(m)
}
