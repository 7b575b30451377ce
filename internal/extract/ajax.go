package extract

import (
	"bytes"
	"encoding/json"
	"strings"
)

// UnwrapAJAX normalizes a paginated POST response to plain HTML. Responses
// shaped {"data": ["<html>", ...]} have their string parts concatenated;
// anything else, including malformed JSON, is returned trimmed.
func UnwrapAJAX(payload []byte) string {
	t := bytes.TrimSpace(payload)
	if len(t) == 0 || t[0] != '{' {
		return string(t)
	}
	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(t, &envelope); err != nil {
		return string(t)
	}
	var b strings.Builder
	for _, part := range envelope.Data {
		var s string
		if err := json.Unmarshal(part, &s); err == nil {
			b.WriteString(s)
		}
	}
	return b.String()
}
