package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var fencePattern = regexp.MustCompile(`(?s)^\s*` + "```" + `(?:json|JSON)?\s*\n?(.*?)\n?\s*` + "```" + `\s*$`)

// ValidationResult reports whether generated text carries a well-formed JSON object.
// Malformed output is data, not an error, so Validate never fails.
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Error   string          `json:"error,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Err converts an invalid result into a *ValidationError
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Reason: r.Error}
}

// ResponseValidator checks generated text against an optional JSON schema
type ResponseValidator struct {
	schema *jsonschema.Schema
}

// NewResponseValidator compiles schemaJSON. An empty schema only checks that the
// output is a JSON object.
func NewResponseValidator(schemaJSON string) (*ResponseValidator, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return &ResponseValidator{}, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ResponseValidator{schema: schema}, nil
}

// MustResponseValidator is NewResponseValidator for package-level schemas
func MustResponseValidator(schemaJSON string) *ResponseValidator {
	v, err := NewResponseValidator(schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate extracts the JSON payload from text and checks it
func (v *ResponseValidator) Validate(text string) ValidationResult {
	payload, ok := ExtractJSON(text)
	if !ok {
		return ValidationResult{Error: "no JSON object found in response"}
	}

	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return ValidationResult{Error: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if _, isObject := doc.(map[string]any); !isObject {
		return ValidationResult{Error: "response is not a JSON object"}
	}

	if v != nil && v.schema != nil {
		if err := v.schema.Validate(doc); err != nil {
			return ValidationResult{Error: fmt.Sprintf("json does not match schema: %v", err)}
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(payload)); err != nil {
		return ValidationResult{Error: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return ValidationResult{Valid: true, Content: json.RawMessage(compact.Bytes())}
}

// ExtractJSON strips markdown fences and surrounding prose from a JSON object
func ExtractJSON(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if matches := fencePattern.FindStringSubmatch(s); len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
