package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind tags an event. The set is open; the constants below are the kinds
// lookout itself emits or interprets.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindStatus    Kind = "status"
	KindError     Kind = "error"
	KindReport    Kind = "report"
	KindJob       Kind = "job"
	KindUsage     Kind = "usage"
	KindWorkflow  Kind = "workflow"
	KindRunID     Kind = "run_id"
	KindSourceMap Kind = "source_map"
)

// Terminal reports whether emitting an event of this kind ends a job's history.
func (k Kind) Terminal() bool {
	return k == KindStatus
}

type ValueType uint8

const (
	NullValue ValueType = iota
	TextValue
	FlagValue
	NumberValue
	StructuredValue
)

func (vt ValueType) String() string {
	switch vt {
	case NullValue:
		return "null"
	case TextValue:
		return "text"
	case FlagValue:
		return "flag"
	case NumberValue:
		return "number"
	case StructuredValue:
		return "structured"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(vt))
	}
}

// Value is an event payload: text, a flag, a number or a structured
// (object or array) JSON document. The zero Value is null.
type Value struct {
	typ    ValueType
	text   string
	flag   bool
	number float64
	raw    json.RawMessage
}

func Text(s string) Value {
	return Value{typ: TextValue, text: s}
}

func Flag(b bool) Value {
	return Value{typ: FlagValue, flag: b}
}

func Number(n float64) Value {
	return Value{typ: NumberValue, number: n}
}

// Structured encodes v as JSON. Scalars are normalized to their own value
// type so that a Value survives an encode/decode cycle unchanged.
func Structured(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("could not encode structured value: %w", err)
	}

	return parseValue(data)
}

// MustStructured is like Structured but panics on encoding errors.
func MustStructured(v any) Value {
	value, err := Structured(v)
	if err != nil {
		panic(err)
	}

	return value
}

func (v Value) Type() ValueType { return v.typ }

func (v Value) AsText() (string, bool) { return v.text, v.typ == TextValue }

func (v Value) AsFlag() (bool, bool) { return v.flag, v.typ == FlagValue }

func (v Value) AsNumber() (float64, bool) { return v.number, v.typ == NumberValue }

// Raw returns the JSON document of a structured value.
func (v Value) Raw() (json.RawMessage, bool) { return v.raw, v.typ == StructuredValue }

// Decode unmarshals a structured value into dst.
func (v Value) Decode(dst any) error {
	data, err := v.MarshalJSON()
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dst)
}

func (v Value) String() string {
	switch v.typ {
	case TextValue:
		return v.text
	case FlagValue:
		return strconv.FormatBool(v.flag)
	case NumberValue:
		return strconv.FormatFloat(v.number, 'g', -1, 64)
	case StructuredValue:
		return string(v.raw)
	default:
		return "null"
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TextValue:
		return json.Marshal(v.text)
	case FlagValue:
		return json.Marshal(v.flag)
	case NumberValue:
		return json.Marshal(v.number)
	case StructuredValue:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := parseValue(data)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

func parseValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Value{}, errors.New("empty value")
	}

	switch data[0] {
	case 'n':
		return Value{}, nil

	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, fmt.Errorf("could not decode text value: %w", err)
		}

		return Text(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return Value{}, fmt.Errorf("could not decode flag value: %w", err)
		}

		return Flag(b), nil

	case '{', '[':
		if !json.Valid(data) {
			return Value{}, errors.New("invalid structured value")
		}

		raw := make(json.RawMessage, len(data))
		copy(raw, data)

		return Value{typ: StructuredValue, raw: raw}, nil

	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return Value{}, fmt.Errorf("could not decode number value: %w", err)
		}

		return Number(n), nil
	}
}

// Event is one entry of a job's history. On the wire it is the pair
// ["kind", payload].
type Event struct {
	Kind    Kind
	Payload Value
}

func NewEvent(kind Kind, payload Value) Event {
	return Event{Kind: kind, Payload: payload}
}

func Progress(msg string) Event { return NewEvent(KindProgress, Text(msg)) }

func Status(msg string) Event { return NewEvent(KindStatus, Text(msg)) }

func Error(msg string) Event { return NewEvent(KindError, Text(msg)) }

func (ev Event) String() string {
	return fmt.Sprintf("%s: %s", ev.Kind, ev.Payload)
}

func (ev Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{ev.Kind, ev.Payload})
}

func (ev *Event) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("could not decode event: %w", err)
	}

	if len(pair) != 2 {
		return fmt.Errorf("event must be a [kind, payload] pair, got %d elements", len(pair))
	}

	var kind string
	if err := json.Unmarshal(pair[0], &kind); err != nil {
		return fmt.Errorf("could not decode event kind: %w", err)
	}

	if kind == "" {
		return errors.New("event kind is empty")
	}

	payload, err := parseValue(pair[1])
	if err != nil {
		return err
	}

	ev.Kind = Kind(kind)
	ev.Payload = payload

	return nil
}

// Filter returns the events whose kind is not in drop, preserving order.
func Filter(history []Event, drop ...Kind) []Event {
	kept := make([]Event, 0, len(history))

outer:
	for _, ev := range history {
		for _, kind := range drop {
			if ev.Kind == kind {
				continue outer
			}
		}

		kept = append(kept, ev)
	}

	return kept
}

// Encode serializes a history as a JSON array of pairs.
func Encode(history []Event) ([]byte, error) {
	if history == nil {
		history = []Event{}
	}

	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("could not encode history: %w", err)
	}

	return data, nil
}

func Decode(data []byte) ([]Event, error) {
	history := []Event{}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("could not decode history: %w", err)
	}

	return history, nil
}
