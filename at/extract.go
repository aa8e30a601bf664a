package at

import (
	"bytes"
	"strings"
)

// Extract returns the text following the first occurrence of marker in raw,
// up to the next record terminator (CR). When the marker is present but no
// terminator follows, the text runs to the end of raw. ok is false when the
// marker does not occur at all.
func Extract(raw, marker string) (data string, ok bool) {
	i := strings.Index(raw, marker)
	if i < 0 {
		return "", false
	}
	data = raw[i+len(marker):]
	if j := strings.Index(data, CR); j >= 0 {
		data = data[:j]
	}
	return data, true
}

// Field returns the i-th comma separated field of s with surrounding
// whitespace removed, or "" when s has fewer fields.
func Field(s string, i int) string {
	parts := strings.Split(s, ",")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[i])
}

// Quoted returns the contents of every double-quoted segment of s in order.
func Quoted(s string) []string {
	var out []string
	for {
		start := strings.IndexByte(s, '"')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(s[start+1:], '"')
		if end < 0 {
			return out
		}
		out = append(out, s[start+1:start+1+end])
		s = s[start+end+2:]
	}
}

// Terminated reports whether result occurs in raw and the line carrying it
// has been completed. A result that itself ends in a line feed is complete
// as soon as it is seen. An empty result never matches.
func Terminated(raw []byte, result string) bool {
	if result == "" {
		return false
	}
	i := bytes.Index(raw, []byte(result))
	if i < 0 {
		return false
	}
	if strings.HasSuffix(result, "\n") {
		return true
	}
	return bytes.IndexByte(raw[i+len(result):], '\n') >= 0
}
