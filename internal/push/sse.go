package push

import (
	"bytes"
	"strings"
)

// FormatSSE formats a single Server-Sent Events message. Per the SSE spec,
// each line in a multi-line data field must be prefixed with "data: " to
// avoid desynchronizing the client parser. Grounded on the teacher's
// internal/server/broker.go formatSSE helper.
func FormatSSE(eventType string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
