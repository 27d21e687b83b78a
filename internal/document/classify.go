package document

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// Prefix-read bounds for .py mode sniffing. Headers and cell markers sit
// at the top of the file, so a bounded read is enough.
const (
	maxSniffLines = 240
	maxSniffChars = 128_000
)

var pyCellMarkerRE = regexp.MustCompile(`^\s*#\s*%%(?:\s|$|\[)`)

var jupytextHeaderHints = []string{
	"jupytext:",
	"formats:",
	"format_name:",
	"text_representation:",
}

// Classifier decides whether a document is supported and how it pairs
// with the backend. Glob patterns come from config (compat.documentGlobs).
type Classifier struct {
	globs []string
}

// NewClassifier builds a classifier over the given doublestar patterns.
func NewClassifier(globs []string) *Classifier {
	return &Classifier{globs: globs}
}

// Supported reports whether path matches any configured document glob.
func (c *Classifier) Supported(path string) bool {
	candidate := filepath.ToSlash(strings.TrimSpace(path))
	if candidate == "" {
		return false
	}
	for _, pattern := range c.globs {
		if matched, _ := doublestar.Match(pattern, candidate); matched {
			return true
		}
		// Bare-name documents still match rooted ** patterns.
		if matched, _ := doublestar.Match(pattern, "./"+candidate); matched {
			return true
		}
	}
	return false
}

// Classify returns the notebook mode for the document at osPath. For .py
// documents it sniffs the file prefix for Jupytext metadata or cell
// markers; everything it cannot read counts as plain.
func (c *Classifier) Classify(path, osPath string) types.NotebookMode {
	lower := strings.ToLower(strings.TrimSpace(path))
	switch {
	case strings.HasSuffix(lower, ".ipynb"):
		return types.NotebookIpynb
	case strings.HasSuffix(lower, ".py"):
		return detectPythonMode(osPath)
	default:
		return types.NotebookUnsupported
	}
}

// Pairing computes the full pairing status for a document: whether runs
// are allowed, the paired counterpart, and a user-facing message when
// blocked. Mirrors the backend's gating so the composer can block before
// a round trip.
func (c *Classifier) Pairing(path, osPath string) types.Pairing {
	trimmed := strings.TrimSpace(path)
	lower := strings.ToLower(trimmed)
	paired := PairedPath(trimmed)
	pairedOS := PairedPath(osPath)

	switch {
	case strings.HasSuffix(lower, ".ipynb"):
		if pairedOS == "" {
			return types.Pairing{
				OK:           false,
				Path:         paired,
				Message:      "Jupytext paired file is required, but no local path could be resolved for this notebook.",
				NotebookMode: types.NotebookIpynb,
			}
		}
		if _, err := os.Stat(pairedOS); err == nil {
			return types.Pairing{OK: true, Path: paired, NotebookMode: types.NotebookIpynb}
		}
		return types.Pairing{
			OK:           false,
			Path:         paired,
			Message:      "Jupytext paired file not found. A paired .py file is required.\nExpected: " + pairedOS,
			NotebookMode: types.NotebookIpynb,
		}
	case strings.HasSuffix(lower, ".py"):
		return types.Pairing{OK: true, Path: paired, NotebookMode: detectPythonMode(osPath)}
	default:
		return types.Pairing{
			OK:           false,
			Path:         paired,
			Message:      "Only .ipynb and .py notebook documents are supported.",
			NotebookMode: types.NotebookUnsupported,
		}
	}
}

func detectPythonMode(osPath string) types.NotebookMode {
	lines := readPrefixLines(osPath)
	if len(lines) == 0 {
		return types.NotebookPlainPy
	}

	if hasJupytextHeader(lines) {
		return types.NotebookJupytextPy
	}
	for _, line := range lines {
		if pyCellMarkerRE.MatchString(line) {
			return types.NotebookJupytextPy
		}
	}
	return types.NotebookPlainPy
}

func readPrefixLines(osPath string) []string {
	if strings.TrimSpace(osPath) == "" {
		return nil
	}
	f, err := os.Open(osPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSniffChars)
	for scanner.Scan() && len(lines) < maxSniffLines {
		line := scanner.Text()
		lines = append(lines, line)
		total += len(line)
		if total >= maxSniffChars {
			break
		}
	}
	return lines
}

// hasJupytextHeader reports whether the file prefix opens with a Jupytext
// YAML comment block ("# ---" ... "# ---") carrying a known header hint.
func hasJupytextHeader(lines []string) bool {
	idx := 0
	for idx < len(lines) && strings.TrimSpace(lines[idx]) == "" {
		idx++
	}
	if idx >= len(lines) || strings.TrimSpace(lines[idx]) != "# ---" {
		return false
	}

	var header []string
	end := idx + 1 + 120
	if end > len(lines) {
		end = len(lines)
	}
	for _, line := range lines[idx+1 : end] {
		stripped := strings.TrimSpace(line)
		if stripped == "# ---" {
			break
		}
		// Code before the closing marker means this is not a header block.
		if stripped != "" && !strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			return false
		}
		header = append(header, line)
	}
	if len(header) == 0 {
		return false
	}

	var normalized []string
	for _, line := range header {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "#"))))
	}
	joined := strings.Join(normalized, "\n")
	for _, hint := range jupytextHeaderHints {
		if strings.Contains(joined, hint) {
			return true
		}
	}
	return false
}
