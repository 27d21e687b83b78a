package types

// RateLimits is the backend's most recent usage snapshot. It is global
// state, not correlated to any session.
type RateLimits struct {
	UpdatedAt string         `json:"updatedAt,omitempty"` // ISO-8601 as reported
	Primary   *RateWindow    `json:"primary,omitempty"`
	Secondary *RateWindow    `json:"secondary,omitempty"`
	Context   *ContextWindow `json:"contextWindow,omitempty"`
}

// RateWindow describes one rolling usage window.
type RateWindow struct {
	UsedPercent   float64 `json:"usedPercent"`
	WindowMinutes int     `json:"windowMinutes,omitempty"`
	ResetsAt      int64   `json:"resetsAt,omitempty"` // unix seconds as reported
}

// ContextWindow describes token usage within the model context window.
type ContextWindow struct {
	WindowTokens int64   `json:"windowTokens"`
	UsedTokens   int64   `json:"usedTokens"`
	LeftTokens   int64   `json:"leftTokens"`
	UsedPercent  float64 `json:"usedPercent"`
}
