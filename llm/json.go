package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
)

// ErrParseFailed is returned when a model reply contains no JSON value
// that decodes into the expected type.
var ErrParseFailed = errors.New("failed to parse response")

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseJSON decodes a model reply into T. It tries the reply as-is, then
// the contents of a markdown code fence, then the outermost {...} or
// [...] span. The error wraps ErrParseFailed.
func ParseJSON[T any](content string) (T, error) {
	var result T
	var lastErr error
	for _, candidate := range jsonCandidates(content) {
		var v T
		err := json.Unmarshal([]byte(candidate), &v)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no JSON value found")
	}
	return result, fmt.Errorf("%w: %v", ErrParseFailed, lastErr)
}

func jsonCandidates(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := []string{raw}
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = strings.TrimSpace(m[1])
		out = append(out, raw)
	}
	if s := span(raw, '{', '}'); s != "" {
		out = append(out, s)
	}
	if s := span(raw, '[', ']'); s != "" {
		out = append(out, s)
	}
	return out
}

func span(raw string, open, close byte) string {
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, close)
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return ""
}

// GenerateSchema reflects a JSON schema for T, suitable for a
// FormatJSONSchema request or for embedding in a prompt.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// SchemaJSON renders the schema of T as indented JSON.
func SchemaJSON[T any]() string {
	b, err := json.MarshalIndent(GenerateSchema[T](), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
