package checker

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	ansiCSI   = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC   = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	ansiOther = regexp.MustCompile(`\x1b[@-Z\\-_]`)
)

// Extraction is the outcome of ExtractPayload. Exactly one of Object or
// Results is set when Found.
type Extraction struct {
	Found   bool
	Object  map[string]any
	Results []map[string]any
	// Implicit marks a bare root array taken as the results list.
	Implicit bool
	Raw      []byte
	Error    string
}

// StripControl removes ANSI escape sequences and control characters other
// than newline, carriage return and tab.
func StripControl(s string) string {
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiOther.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// ExtractPayload finds the checker's JSON payload in noisy output. It never
// fails; when nothing parses it returns Found=false with a message.
func ExtractPayload(out []byte) Extraction {
	clean := StripControl(string(out))

	// whole output is the payload
	if trimmed := strings.TrimSpace(clean); trimmed != "" {
		if ex, ok := decode([]byte(trimmed)); ok {
			return ex
		}
	}

	// balanced object starting at a line start; an envelope-looking object wins
	var first *Extraction
	for _, start := range lineStartBraces(clean) {
		end := matchBrace(clean, start)
		if end < 0 {
			continue
		}
		ex, ok := decode([]byte(clean[start : end+1]))
		if !ok || ex.Object == nil {
			continue
		}
		if isEnvelope(ex.Object) {
			return ex
		}
		if first == nil {
			first = &ex
		}
	}
	if first != nil {
		return *first
	}

	// last resort: any single line that parses, newest first
	lines := strings.Split(clean, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || (line[0] != '{' && line[0] != '[') {
			continue
		}
		if ex, ok := decode([]byte(line)); ok {
			return ex
		}
	}

	return Extraction{Found: false, Error: "no JSON payload found"}
}

func decode(b []byte) (Extraction, bool) {
	if !json.Valid(b) {
		return Extraction{}, false
	}
	switch bytes.TrimSpace(b)[0] {
	case '{':
		var obj map[string]any
		if err := unmarshal(b, &obj); err != nil {
			return Extraction{}, false
		}
		return Extraction{Found: true, Object: obj, Raw: b}, true
	case '[':
		var items []any
		if err := unmarshal(b, &items); err != nil {
			return Extraction{}, false
		}
		results := make([]map[string]any, 0, len(items))
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				// a list of scalars is not a results list
				return Extraction{}, false
			}
			results = append(results, m)
		}
		return Extraction{Found: true, Results: results, Implicit: true, Raw: b}, true
	}
	return Extraction{}, false
}

// unmarshal keeps numbers as json.Number so result details round-trip unchanged.
func unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func isEnvelope(obj map[string]any) bool {
	_, hasStatus := obj["status"]
	_, hasResults := obj["results"]
	return hasStatus || hasResults
}

func lineStartBraces(s string) []int {
	var idx []int
	for i := 0; i < len(s); i++ {
		if s[i] == '{' && (i == 0 || s[i-1] == '\n') {
			idx = append(idx, i)
		}
	}
	return idx
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// Braces inside JSON strings do not count.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
