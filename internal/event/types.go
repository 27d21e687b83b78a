package event

import "github.com/nbcodex-ai/nbcodex/pkg/types"

// SessionChangedData is the data for session.changed events. Session is a
// snapshot taken by the registry at publish time; receivers must not mutate it.
type SessionChangedData struct {
	Session *types.Session `json:"session"`
}

// RegistryClearedData is the data for registry.cleared events.
type RegistryClearedData struct {
	Count int `json:"count"`
}

// ThreadResetData is the data for thread.reset events. Remote is true when
// the reset was applied in response to another instance's sync event.
type ThreadResetData struct {
	SessionKey string `json:"sessionKey"`
	ThreadID   string `json:"threadID"`
	Remote     bool   `json:"remote,omitempty"`
}

// DefaultsUpdatedData is the data for defaults.updated events.
type DefaultsUpdatedData struct {
	Defaults types.BackendDefaults `json:"defaults"`
}

// RateLimitsUpdatedData is the data for ratelimits.updated events.
type RateLimitsUpdatedData struct {
	Limits types.RateLimits `json:"limits"`
}

// TransportStateData is the data for transport.state events.
type TransportStateData struct {
	Connected bool `json:"connected"`
	Attempt   int  `json:"attempt,omitempty"`
}

// IntakeDroppedData is the data for intake.dropped events, published when
// the intake queue sheds oldest entries above its hard cap.
type IntakeDroppedData struct {
	Dropped int `json:"dropped"`
	Queued  int `json:"queued"`
}
