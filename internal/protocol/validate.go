package protocol

import (
	"regexp"
	"strings"
)

var (
	modelRE    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
	effortRE   = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)
	threadIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// maxModelLen bounds model identifiers the same way the backend does.
const maxModelLen = 128

// SanitizeModel returns the trimmed model name, or "" when the value is
// not a plausible backend model identifier.
func SanitizeModel(v string) string {
	model := strings.TrimSpace(v)
	if model == "" || len(model) > maxModelLen {
		return ""
	}
	if !modelRE.MatchString(model) {
		return ""
	}
	return model
}

// SanitizeEffort lowercases and validates a reasoning effort value,
// returning "" when it does not match the backend's accepted form.
func SanitizeEffort(v string) string {
	effort := strings.ToLower(strings.TrimSpace(v))
	if effort == "" || !effortRE.MatchString(effort) {
		return ""
	}
	return effort
}

// SanitizeSandbox validates a sandbox mode against the backend's enum,
// returning "" for anything else.
func SanitizeSandbox(v string) string {
	mode := strings.ToLower(strings.TrimSpace(v))
	switch mode {
	case "read-only", "workspace-write", "danger-full-access":
		return mode
	default:
		return ""
	}
}

// ValidThreadID reports whether v is safe to hand back to the backend as
// a thread id. Backend-minted ids (UUIDs) always pass.
func ValidThreadID(v string) bool {
	return v != "" && threadIDRE.MatchString(v)
}

// ValidImageDataURL reports whether s looks like a base64 image data URL
// the backend will accept.
func ValidImageDataURL(s string) bool {
	raw := strings.TrimSpace(s)
	if !strings.HasPrefix(raw, "data:") {
		return false
	}
	header, data, ok := strings.Cut(raw, ",")
	if !ok || data == "" {
		return false
	}
	if !strings.Contains(strings.ToLower(header), ";base64") {
		return false
	}
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(header[len("data:"):], ";", 2)[0]))
	return strings.HasPrefix(mime, "image/")
}
