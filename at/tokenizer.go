package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings. Echoed commands are terminated
// by "\r\r\n" on both supported modem families; the stray CR is dropped so
// the echo token is the bare command text.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), bytes.TrimRight(data[0:i], CR), nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Lines splits a raw response buffer into its non-empty lines.
func Lines(raw string) []string {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Split(Splitter)

	var lines []string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	// Direct matches for final results
	switch line {
	case OK, ERROR:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, QuectelDelivery), strings.HasPrefix(line, QuectelStatus):
		return TypeURC
	case strings.Contains(line, NeowayDelivery), strings.Contains(line, NeowayDisconnect):
		return TypeURC
	case strings.HasPrefix(strings.ToUpper(line), CmdAt):
		return TypeEcho
	default:
		return TypeData
	}
}

// Final reports whether raw holds a terminated final error line. Success
// markers are command specific and are matched by the caller.
func Final(raw []byte) bool {
	for _, marker := range []string{CRLF + ERROR + CRLF, CmeError, CmsError} {
		i := bytes.Index(raw, []byte(marker))
		if i < 0 {
			continue
		}
		if strings.HasSuffix(marker, CRLF) || bytes.Contains(raw[i:], []byte("\n")) {
			return true
		}
	}
	return bytes.HasPrefix(raw, []byte(ERROR+CRLF))
}
