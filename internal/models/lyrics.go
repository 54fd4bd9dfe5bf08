package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// LyricsKind tags which shape a LyricsContent holds.
type LyricsKind string

const (
	LyricsKindEmpty  LyricsKind = ""
	LyricsKindText   LyricsKind = "text"
	LyricsKindVerses LyricsKind = "verses"
)

// LyricsSection is one labeled block of the legacy verse format.
type LyricsSection struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// LyricsContent holds either a single text blob or the legacy list of labeled
// sections. Use PlainText or StructuredVerses to build one and Text to read it.
type LyricsContent struct {
	kind     LyricsKind
	text     string
	sections []LyricsSection
}

// PlainText builds the current single-blob lyrics format.
func PlainText(text string) LyricsContent {
	return LyricsContent{kind: LyricsKindText, text: text}
}

// StructuredVerses builds the legacy labeled-sections format.
func StructuredVerses(sections ...LyricsSection) LyricsContent {
	cp := make([]LyricsSection, len(sections))
	copy(cp, sections)
	return LyricsContent{kind: LyricsKindVerses, sections: cp}
}

// Kind returns the tag.
func (l LyricsContent) Kind() LyricsKind { return l.kind }

// Sections returns a copy of the legacy sections, nil for plain text.
func (l LyricsContent) Sections() []LyricsSection {
	if l.kind != LyricsKindVerses {
		return nil
	}
	cp := make([]LyricsSection, len(l.sections))
	copy(cp, l.sections)
	return cp
}

// Text returns the lyrics as one normalized string regardless of shape.
func (l LyricsContent) Text() string {
	switch l.kind {
	case LyricsKindText:
		return l.text
	case LyricsKindVerses:
		parts := make([]string, 0, len(l.sections))
		for _, s := range l.sections {
			label := strings.TrimSpace(s.Label)
			body := strings.TrimSpace(s.Content)
			switch {
			case label == "":
				parts = append(parts, body)
			case body == "":
				parts = append(parts, "["+label+"]")
			default:
				parts = append(parts, "["+label+"]\n"+body)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// IsEmpty reports whether there is no lyric text at all.
func (l LyricsContent) IsEmpty() bool {
	return strings.TrimSpace(l.Text()) == ""
}

type plainTextPayload struct {
	Text string `json:"text"`
}

// MarshalJSON writes verses as an array and plain text as {"text": ...}.
func (l LyricsContent) MarshalJSON() ([]byte, error) {
	switch l.kind {
	case LyricsKindVerses:
		if l.sections == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(l.sections)
	case LyricsKindText:
		return json.Marshal(plainTextPayload{Text: l.text})
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts an array of sections, an object with a text field or a bare string.
func (l *LyricsContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = LyricsContent{}
		return nil
	}
	switch trimmed[0] {
	case '[':
		var sections []LyricsSection
		if err := json.Unmarshal(trimmed, &sections); err != nil {
			return fmt.Errorf("decode lyrics sections: %w", err)
		}
		*l = StructuredVerses(sections...)
	case '{':
		var payload struct {
			Text   *string `json:"text"`
			Lyrics *string `json:"lyrics"`
		}
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return fmt.Errorf("decode lyrics text: %w", err)
		}
		switch {
		case payload.Text != nil:
			*l = PlainText(*payload.Text)
		case payload.Lyrics != nil:
			*l = PlainText(*payload.Lyrics)
		default:
			*l = PlainText("")
		}
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return fmt.Errorf("decode lyrics string: %w", err)
		}
		*l = PlainText(text)
	default:
		return fmt.Errorf("unsupported lyrics payload starting with %q", string(trimmed[:1]))
	}
	return nil
}

// Value stores the lyrics as JSONB.
func (l LyricsContent) Value() (driver.Value, error) {
	data, err := l.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal lyrics: %w", err)
	}
	return data, nil
}

// Scan reads either JSON shape from the database.
func (l *LyricsContent) Scan(value interface{}) error {
	if value == nil {
		*l = LyricsContent{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for LyricsContent", value)
	}
	return l.UnmarshalJSON(data)
}
