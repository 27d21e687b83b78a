package attach

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

var htmlTagRE = regexp.MustCompile(`(?i)<([a-z][a-z0-9]*)\b[^>]*>`)

// NewPreview builds a bounded selection preview. Location and text are
// trimmed and rune-truncated to their caps; an empty text yields nil
// since there is nothing to show.
func NewPreview(location, text string, locationCap, textCap int) *types.SelectionPreview {
	loc := truncateRunes(strings.TrimSpace(location), locationCap)
	body := truncateRunes(strings.TrimSpace(text), textCap)
	if body == "" {
		return nil
	}
	return &types.SelectionPreview{LocationLabel: loc, PreviewText: body}
}

// CellOutputText turns a cell's output into readable plain text. Rich
// HTML outputs (pandas tables and the like) are converted to markdown;
// when conversion fails the tags are stripped instead, and anything that
// does not look like HTML passes through with normalized line endings.
func CellOutputText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	if !htmlTagRE.MatchString(text) {
		return strings.TrimSpace(text)
	}

	if converted, err := htmlToMarkdown(text); err == nil && strings.TrimSpace(converted) != "" {
		return strings.TrimSpace(converted)
	}
	if stripped, err := htmlToText(text); err == nil {
		return stripped
	}
	return strings.TrimSpace(text)
}

func htmlToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EmDelimiter:      "*",
	})
	converter.Remove("script", "style", "meta", "link")
	return converter.ConvertString(html)
}

func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, object, embed").Remove()
	return strings.TrimSpace(doc.Text()), nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
