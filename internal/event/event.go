// Package event defines the typed records streamed to clients and the
// shared state they reconcile against.
//
// Every variant carries only its own fields. Marshal injects the common
// "type" and "timestamp" envelope fields with an exhaustive switch, so
// adding a variant without teaching the serializer about it fails loudly
// instead of silently dropping fields.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the wire value of the "type" envelope field.
type Kind string

// Outbound event kinds.
const (
	KindTextMessageStart   Kind = "TEXT_MESSAGE_START"
	KindTextMessageContent Kind = "TEXT_MESSAGE_CONTENT"
	KindTextMessageEnd     Kind = "TEXT_MESSAGE_END"
	KindToolCallStart      Kind = "TOOL_CALL_START"
	KindToolCallEnd        Kind = "TOOL_CALL_END"
	KindStateSnapshot      Kind = "STATE_SNAPSHOT"
	KindStateDelta         Kind = "STATE_DELTA"
	KindCustom             Kind = "CUSTOM"
	KindRunStarted         Kind = "RUN_STARTED"
	KindRunFinished        Kind = "RUN_FINISHED"
	KindRunError           Kind = "RUN_ERROR"
)

// ErrUnknownKind is returned by Decode for an unrecognised "type".
var ErrUnknownKind = errors.New("event: unknown kind")

// Event is implemented by the variant types in this package only.
type Event interface {
	Kind() Kind
	// Time is when the event was produced. A zero time is stamped with
	// the current time at serialization.
	Time() time.Time
	isEvent()
}

// Meta carries the fields common to all variants.
type Meta struct {
	At time.Time `json:"-"`
}

func (m Meta) Time() time.Time { return m.At }

func (Meta) isEvent() {}

type TextMessageStart struct {
	Meta
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`
}

type TextMessageContent struct {
	Meta
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type TextMessageEnd struct {
	Meta
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
}

type ToolCallStart struct {
	Meta
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolCallEnd struct {
	Meta
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name,omitempty"`
	Result   any    `json:"result"`
}

// StateSnapshot replaces the shared state wholesale.
type StateSnapshot struct {
	Meta
	State map[string]any `json:"state"`
}

// StateDelta is merged into the shared state; a nil value deletes a key.
type StateDelta struct {
	Meta
	Delta map[string]any `json:"delta"`
}

type Custom struct {
	Meta
	Data map[string]any `json:"data"`
}

type RunStarted struct {
	Meta
	RunID string `json:"run_id"`
}

type RunFinished struct {
	Meta
	RunID string `json:"run_id"`
}

type RunError struct {
	Meta
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

func (TextMessageStart) Kind() Kind   { return KindTextMessageStart }
func (TextMessageContent) Kind() Kind { return KindTextMessageContent }
func (TextMessageEnd) Kind() Kind     { return KindTextMessageEnd }
func (ToolCallStart) Kind() Kind      { return KindToolCallStart }
func (ToolCallEnd) Kind() Kind        { return KindToolCallEnd }
func (StateSnapshot) Kind() Kind      { return KindStateSnapshot }
func (StateDelta) Kind() Kind         { return KindStateDelta }
func (Custom) Kind() Kind             { return KindCustom }
func (RunStarted) Kind() Kind         { return KindRunStarted }
func (RunFinished) Kind() Kind        { return KindRunFinished }
func (RunError) Kind() Kind           { return KindRunError }

type envelope struct {
	Type      Kind    `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// Seconds converts t to the float-seconds wire timestamp.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromSeconds(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9))
}

func envelopeOf(ev Event) envelope {
	at := ev.Time()
	if at.IsZero() {
		at = time.Now()
	}
	return envelope{Type: ev.Kind(), Timestamp: Seconds(at)}
}

// Marshal renders ev as a JSON envelope.
func Marshal(ev Event) ([]byte, error) {
	env := envelopeOf(ev)

	switch e := ev.(type) {
	case TextMessageStart:
		return json.Marshal(struct {
			envelope
			TextMessageStart
		}{env, e})
	case TextMessageContent:
		return json.Marshal(struct {
			envelope
			TextMessageContent
		}{env, e})
	case TextMessageEnd:
		return json.Marshal(struct {
			envelope
			TextMessageEnd
		}{env, e})
	case ToolCallStart:
		if e.Arguments == nil {
			e.Arguments = map[string]any{}
		}
		return json.Marshal(struct {
			envelope
			ToolCallStart
		}{env, e})
	case ToolCallEnd:
		return json.Marshal(struct {
			envelope
			ToolCallEnd
		}{env, e})
	case StateSnapshot:
		if e.State == nil {
			e.State = map[string]any{}
		}
		return json.Marshal(struct {
			envelope
			StateSnapshot
		}{env, e})
	case StateDelta:
		if e.Delta == nil {
			e.Delta = map[string]any{}
		}
		return json.Marshal(struct {
			envelope
			StateDelta
		}{env, e})
	case Custom:
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		return json.Marshal(struct {
			envelope
			Custom
		}{env, e})
	case RunStarted:
		return json.Marshal(struct {
			envelope
			RunStarted
		}{env, e})
	case RunFinished:
		return json.Marshal(struct {
			envelope
			RunFinished
		}{env, e})
	case RunError:
		return json.Marshal(struct {
			envelope
			RunError
		}{env, e})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, ev)
	}
}

// Decode parses an outbound envelope back into its variant.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	meta := Meta{At: fromSeconds(env.Timestamp)}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case KindTextMessageStart:
		var e TextMessageStart
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindTextMessageContent:
		var e TextMessageContent
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindTextMessageEnd:
		var e TextMessageEnd
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindToolCallStart:
		var e ToolCallStart
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindToolCallEnd:
		var e ToolCallEnd
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindStateSnapshot:
		var e StateSnapshot
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindStateDelta:
		var e StateDelta
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindCustom:
		var e Custom
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindRunStarted:
		var e RunStarted
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindRunFinished:
		var e RunFinished
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	case KindRunError:
		var e RunError
		err = json.Unmarshal(data, &e)
		e.Meta = meta
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}
