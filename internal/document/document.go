// Package document maps editor documents onto session keys and classifies
// how a document pairs with the backend process. The session key is the
// trimmed document path; classification decides whether the backend may
// run against the document at all.
package document

import (
	"context"
	"strings"
)

// SessionKey derives the canonical session key for a document path. It
// returns "" for empty or whitespace-only paths, which callers treat as
// "no session".
func SessionKey(path string) string {
	return strings.TrimSpace(path)
}

// PairedPath returns the Jupytext counterpart of a document path: the
// .py twin for an .ipynb notebook and vice versa. It returns "" when the
// path has no pairing rule.
func PairedPath(path string) string {
	trimmed := strings.TrimSpace(path)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, ".ipynb"):
		return trimmed[:len(trimmed)-len(".ipynb")] + ".py"
	case strings.HasSuffix(lower, ".py"):
		return trimmed[:len(trimmed)-len(".py")] + ".ipynb"
	default:
		return ""
	}
}

// Provider is the document host surface the engine drives. A rendering
// layer implements it against its editor; FSProvider is a filesystem
// fake for tests and the demo serve mode.
type Provider interface {
	// ActivePath returns the path of the foreground document, "" when
	// none is open.
	ActivePath() string

	// SelectionText returns the currently selected text, "" when
	// nothing is selected.
	SelectionText(ctx context.Context) (string, error)

	// CellOutput returns the output of the active cell, "" when none.
	CellOutput(ctx context.Context) (string, error)

	// Save flushes in-memory edits of the document at path to disk.
	Save(ctx context.Context, path string) error

	// Revert reloads the document at path from disk, discarding
	// in-memory edits. Called after the backend reports fileChanged.
	Revert(ctx context.Context, path string) error
}
