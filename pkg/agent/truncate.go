package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"unicode/utf8"
)

const truncationSuffix = "\n\n[Output truncated: %d characters omitted. Issue a narrower query to see less output.]"

var truncatedPattern = regexp.MustCompile(`\n\n\[Output truncated: \d+ characters omitted\. Issue a narrower query to see less output\.\]$`)

// Truncate shortens s to limit characters and appends a note with the number
// of omitted characters. A value that was already truncated to limit is
// returned unchanged.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if loc := truncatedPattern.FindStringIndex(s); loc != nil && utf8.RuneCountInString(s[:loc[0]]) <= limit {
		return s
	}

	runes := []rune(s)
	omitted := len(runes) - limit
	return string(runes[:limit]) + fmt.Sprintf(truncationSuffix, omitted)
}

// stringify renders a tool output as the text fed back to the backend.
func stringify(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(data)
}
