package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// fencedPayload matches a JSON object or array inside a markdown
	// code block: ```json { ... } ```
	fencedPayload = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\[{].*[\\]}])\\s*```")
	// trailingComma matches a trailing comma before } or ].
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractPayload pulls the JSON object or array out of a model response.
// Models wrap payloads in markdown fences, prepend prose, add
// JavaScript-style comments and trailing commas; all of that is tolerated.
// Returns "" when the response contains no JSON at all.
func ExtractPayload(content string) string {
	raw := rawPayload(content)
	if raw == "" {
		return ""
	}
	cleaned := stripComments(raw)
	return trailingComma.ReplaceAllString(cleaned, "$1")
}

// Decode extracts the JSON payload from a model response and unmarshals
// it into v.
func Decode(content string, v any) error {
	payload := ExtractPayload(content)
	if payload == "" {
		return fmt.Errorf("no JSON payload in response")
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode response payload: %w", err)
	}
	return nil
}

// rawPayload locates the candidate JSON text: a fenced block when
// present, otherwise the widest brace- or bracket-delimited span.
func rawPayload(content string) string {
	if m := fencedPayload.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}

	objStart := strings.IndexByte(content, '{')
	arrStart := strings.IndexByte(content, '[')
	start, closer := objStart, byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start, closer = arrStart, ']'
	}
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(content, closer)
	if end <= start {
		return ""
	}
	return content[start : end+1]
}

// stripComments removes // comments outside string values. Models copy
// them from code examples; encoding/json rejects them.
func stripComments(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			b.WriteByte(ch)
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
			b.WriteByte(ch)
		case ch == '"':
			inString = !inString
			b.WriteByte(ch)
		case !inString && ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			// Skip to end of line, trimming the space before the comment.
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			trimmed := strings.TrimRight(b.String(), " \t")
			b.Reset()
			b.WriteString(trimmed)
			if i < len(raw) {
				b.WriteByte('\n')
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
