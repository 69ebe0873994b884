package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	statePrefix = "STATE:"
	ackPrefix   = "ACK:"
	readyMarker = "READY"
)

// LineKind is the classification of one line of simulator output.
type LineKind int

const (
	LineLog LineKind = iota
	LineState
	LineAck
	LineReady
)

func (k LineKind) String() string {
	switch k {
	case LineState:
		return "STATE"
	case LineAck:
		return "ACK"
	case LineReady:
		return "READY"
	default:
		return "LOG"
	}
}

// StateSnapshot maps a field name to either an int or a string.
type StateSnapshot map[string]any

// Classify tags a line of simulator output. Prefix checks win over the READY marker,
// so a state report that happens to contain "READY" is still a state report.
func Classify(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, statePrefix):
		return LineState
	case strings.HasPrefix(line, ackPrefix):
		return LineAck
	case strings.Contains(line, readyMarker):
		return LineReady
	default:
		return LineLog
	}
}

// ParseState parses a "STATE:K:V|K:V" line into a snapshot.
// Fields without a ':' are skipped. Values made only of ASCII digits become ints, everything else stays a trimmed string.
func ParseState(line string) StateSnapshot {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, statePrefix)

	state := StateSnapshot{}
	for _, field := range strings.Split(line, "|") {
		k, v, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		state[k] = parseValue(v)
	}
	return state
}

func parseValue(v string) any {
	if !isDigits(v) {
		return v
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// too large for an int
		return v
	}
	return n
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// AckText returns the text after the "ACK:" prefix.
func AckText(line string) string {
	return strings.TrimPrefix(strings.TrimSpace(line), ackPrefix)
}

// DecodeStateSnapshot decodes a snapshot sent to a client. Integral numbers come back as ints, matching ParseState.
func DecodeStateSnapshot(b []byte) (StateSnapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding state snapshot: %w", err)
	}

	state := make(StateSnapshot, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := strconv.Atoi(n.String()); err == nil {
				state[k] = i
				continue
			}
		}
		state[k] = v
	}
	return state, nil
}
