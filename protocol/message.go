package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the "type" tag of an inbound client message.
type MessageType string

const (
	TypeStep      MessageType = "step"
	TypeRequest   MessageType = "request"
	TypeReset     MessageType = "reset"
	TypeEmergency MessageType = "emergency"
)

const (
	MinFloor = 0
	MaxFloor = 7
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing field")
)

// ClientMessage is one decoded inbound message. Floor is only meaningful for TypeRequest and Value only for TypeEmergency.
type ClientMessage struct {
	Type  MessageType
	Floor int
	Value bool
}

func Step() ClientMessage             { return ClientMessage{Type: TypeStep} }
func Request(floor int) ClientMessage { return ClientMessage{Type: TypeRequest, Floor: floor} }
func Reset() ClientMessage            { return ClientMessage{Type: TypeReset} }
func Emergency(on bool) ClientMessage { return ClientMessage{Type: TypeEmergency, Value: on} }

// MalformedMessageError is returned when an inbound message can't be decoded.
// Callers are expected to drop the message and keep the session going.
type MalformedMessageError struct {
	Raw string
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed client message %q: %s", e.Raw, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// wireMessage is the JSON shape of an inbound message.
type wireMessage struct {
	Type  MessageType `json:"type"`
	Floor *int        `json:"floor,omitempty"`
	Value any         `json:"value,omitempty"`
}

// DecodeClientMessage decodes one inbound JSON message.
// An emergency value is on when it is truthy: true, a non-zero number, or a non-empty string, array, or object.
// A missing or null value means "off".
func DecodeClientMessage(b []byte) (ClientMessage, error) {
	malformed := func(err error) (ClientMessage, error) {
		return ClientMessage{}, &MalformedMessageError{Raw: string(b), Err: err}
	}

	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return malformed(err)
	}

	switch w.Type {
	case TypeStep:
		return Step(), nil
	case TypeReset:
		return Reset(), nil
	case TypeRequest:
		if w.Floor == nil {
			return malformed(fmt.Errorf("%w: floor", ErrMissingField))
		}
		return Request(*w.Floor), nil
	case TypeEmergency:
		return Emergency(truthy(w.Value)), nil
	default:
		return malformed(fmt.Errorf("%w %q", ErrUnknownType, w.Type))
	}
}

// EncodeClientMessage is the inverse of DecodeClientMessage.
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	w := wireMessage{Type: m.Type}
	switch m.Type {
	case TypeRequest:
		floor := m.Floor
		w.Floor = &floor
	case TypeEmergency:
		w.Value = m.Value
	case TypeStep, TypeReset:
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
	return json.Marshal(w)
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
