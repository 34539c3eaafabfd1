// Package markup builds the speech-synthesis document sent to the renderer.
package markup

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/subtitle"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
)

// ErrMissingTerminalPunctuation matches every *PunctuationError.
var ErrMissingTerminalPunctuation = errors.New("missing terminal punctuation")

// PunctuationError names the script line that does not end a sentence. The
// renderer segments speech on terminal punctuation.
type PunctuationError struct {
	Index int
	Text  string
}

func (e *PunctuationError) Error() string {
	return fmt.Sprintf("line %d %q: %s", e.Index, e.Text, ErrMissingTerminalPunctuation)
}

func (e *PunctuationError) Unwrap() error {
	return ErrMissingTerminalPunctuation
}

var terminals = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true, '…': true,
	'。': true, '！': true, '？': true, '；': true,
}

// Closing quotes and brackets may follow the terminal mark.
var closers = map[rune]bool{
	'"': true, '\'': true, ')': true, ']': true,
	'”': true, '’': true, '」': true, '』': true, '）': true, '》': true,
}

// EndsSentence reports whether text ends with a recognized terminal mark,
// ignoring trailing whitespace and closing quotes.
func EndsSentence(text string) bool {
	s := strings.TrimRightFunc(text, unicode.IsSpace)
	for s != "" {
		r, size := utf8.DecodeLastRuneInString(s)
		if closers[r] {
			s = s[:len(s)-size]
			continue
		}
		return terminals[r]
	}
	return false
}

type Part struct {
	PartID string `json:"partId"`
	Markup string `json:"markup"`
}

// Document is the persisted markup artifact.
type Document struct {
	Parts    []Part `json:"parts"`
	Document string `json:"document"`
}

// Build validates every line and wraps it. Each part is a standalone <speak>
// element; the document is one <speak> root with a mark before each line so
// the renderer can report per-part boundaries.
func Build(lines []string) (Document, error) {
	doc := Document{Parts: make([]Part, 0, len(lines))}
	var root strings.Builder
	root.WriteString("<speak>")
	for i, line := range lines {
		if !EndsSentence(line) {
			return Document{}, &PunctuationError{Index: i, Text: line}
		}
		id := timeline.PartKey(i)
		text := escape(strings.TrimSpace(line))
		doc.Parts = append(doc.Parts, Part{PartID: id, Markup: "<speak>" + text + "</speak>"})
		fmt.Fprintf(&root, `<mark name="%s"/>%s`, id, text)
	}
	root.WriteString("</speak>")
	doc.Document = root.String()
	return doc, nil
}

func escape(s string) string {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer do not fail.
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Write persists doc as indented JSON.
func Write(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode markup: %w", err)
	}
	return subtitle.WriteFileAtomic(path, append(data, '\n'))
}
