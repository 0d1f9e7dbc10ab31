package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Replies may embed one inline JSON object steering the pipeline: either
// {"isImportant":true,"why":"..."} or {"checkLogs":true}. The object is
// stripped from the visible reply; anything that fails to parse is left
// alone and the reply is used as-is.
var inlineJSONPattern = regexp.MustCompile(`\{[^{}]*\}`)

type Directive struct {
	IsImportant bool   `json:"isImportant"`
	Why         string `json:"why"`
	CheckLogs   bool   `json:"checkLogs"`
}

// ExtractDirective returns the parsed directive (zero value when absent)
// and the reply with the directive text removed.
func ExtractDirective(reply string) (Directive, string) {
	match := inlineJSONPattern.FindString(reply)
	if match == "" {
		return Directive{}, reply
	}
	var d Directive
	if err := json.Unmarshal([]byte(match), &d); err != nil {
		return Directive{}, reply
	}
	if d.IsImportant {
		d.CheckLogs = false
		if strings.TrimSpace(d.Why) == "" {
			d.Why = "Urgent message detected"
		}
	}
	stripped := strings.TrimSpace(strings.Replace(reply, match, "", 1))
	return d, stripped
}
