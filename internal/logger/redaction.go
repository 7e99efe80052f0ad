package logger

import (
	"bytes"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Mask replaces every redacted value.
const Mask = "[REDACTED]"

// minSecretLen keeps short literals such as "x" from masking ordinary words.
const minSecretLen = 8

// sensitiveFields are JSON keys whose string values are masked at any depth
// of a log line. Keys are compared lower-cased.
var sensitiveFields = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"x-api-key":     true,
	"authorization": true,
	"shared_secret": true,
	"secret":        true,
	"password":      true,
	"token":         true,
}

type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

func newRule(name, pattern, repl string) rule {
	return rule{name: name, re: regexp.MustCompile(pattern), repl: repl}
}

// defaultRules mask credentials that show up inside free text: error strings
// returned by provider SDKs, echoed request headers and MCP server output.
func defaultRules() []rule {
	return []rule{
		newRule("anthropic key", `sk-ant-[A-Za-z0-9_-]{16,}`, Mask),
		newRule("openai key", `sk-(?:proj-)?[A-Za-z0-9_-]{20,}`, Mask),
		newRule("bearer token", `(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`, "${1}"+Mask),
		newRule("x-api-key header", `(?i)(x-api-key\\?["']?\s*[:=]\s*\\?["']?)[^\s"'\\,}]+`, "${1}"+Mask),
		newRule("api key env", `((?:ANTHROPIC|OPENAI|TASKPILOT_[A-Z0-9_]*)_API_KEY=)[^\s"]+`, "${1}"+Mask),
		newRule("shared secret env", `(TASKPILOT_GATEWAY_SHARED_SECRET=)[^\s"]+`, "${1}"+Mask),
	}
}

// Redactor masks credentials in log output. JSON lines have sensitive fields
// replaced structurally; everything else goes through the text rules and the
// registered literal secrets.
type Redactor struct {
	mu      sync.RWMutex
	rules   []rule
	secrets []string
}

// NewRedactor returns a redactor with the default rules. secrets are masked
// verbatim wherever they appear.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{rules: defaultRules()}
	for _, s := range secrets {
		r.AddSecret(s)
	}
	return r
}

// AddSecret registers a literal value to mask. Values shorter than eight
// characters and duplicates are ignored.
func (r *Redactor) AddSecret(secret string) {
	if len(secret) < minSecretLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
	// longest first so a secret that contains another is masked whole
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// AddPattern registers an extra text rule.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{name: pattern, re: re, repl: Mask})
	r.mu.Unlock()
	return nil
}

// Redact masks credentials in free text.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// RedactLine masks one log line. Sensitive fields of a JSON object are set to
// Mask before the text rules run over the result.
func (r *Redactor) RedactLine(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '{' && gjson.ValidBytes(trimmed) {
		for _, path := range sensitivePaths("", gjson.ParseBytes(trimmed)) {
			if out, err := sjson.SetBytes(line, path, Mask); err == nil {
				line = out
			}
		}
	}
	return []byte(r.Redact(string(line)))
}

// sensitivePaths lists the sjson paths of string values stored under a
// sensitive key anywhere below v.
func sensitivePaths(prefix string, v gjson.Result) []string {
	var paths []string
	index := 0
	v.ForEach(func(key, value gjson.Result) bool {
		var path string
		if v.IsArray() {
			path = prefix + strconv.Itoa(index)
			index++
		} else {
			path = prefix + escapePath(key.String())
		}

		switch {
		case v.IsObject() && value.Type == gjson.String && sensitiveFields[strings.ToLower(key.String())]:
			if value.String() != Mask {
				paths = append(paths, path)
			}
		case value.IsObject() || value.IsArray():
			paths = append(paths, sensitivePaths(path+".", value)...)
		}
		return true
	})
	return paths
}

func escapePath(key string) string {
	var b strings.Builder
	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Wrap returns a writer that masks each line before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted line can differ in
// length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write(w.redactor.RedactLine(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
