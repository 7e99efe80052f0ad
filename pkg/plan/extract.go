package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/taskpilot/pkg/backend"
)

// ErrPlanParse is returned when no acceptable plan could be extracted from a
// planning answer.
var ErrPlanParse = errors.New("failed to parse plan")

var (
	fencedJSON   = regexp.MustCompile("(?s)```(?:json|JSON)[ \\t]*\\r?\\n(.*?)```")
	schemaLoader = gojsonschema.NewStringLoader(Schema)
)

// Extract finds the first plan in text that decodes, satisfies Schema and
// only names agents accepted by known. Fenced json blocks are tried first,
// then every balanced top-level object in order.
func Extract(text string, known func(backend.Kind) bool) (*Plan, error) {
	candidates := Candidates(text)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no JSON object found", ErrPlanParse)
	}

	var lastErr error
	for _, candidate := range candidates {
		p, err := decode(candidate, known)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrPlanParse, lastErr)
}

// Candidates returns the JSON snippets Extract would try, in order.
func Candidates(text string) []string {
	var out []string
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			out = append(out, s)
		}
	}
	return append(out, balancedObjects(text)...)
}

// balancedObjects scans for top-level {...} spans, ignoring braces inside
// JSON strings. Unterminated objects are dropped.
func balancedObjects(text string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false

	for i := 0; i < len(text); i++ {
		c := text[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

func decode(candidate string, known func(backend.Kind) bool) (*Plan, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(candidate))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(errs, "; "))
	}

	var p Plan
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if known != nil {
		for _, s := range p.Steps {
			if !known(s.Agent) {
				return nil, fmt.Errorf("step %d: unknown agent %q", s.Step, s.Agent)
			}
		}
	}
	if p.EstimatedComplexity == "" {
		p.EstimatedComplexity = ComplexityMedium
	}
	return &p, nil
}
