package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire names of push events.
const (
	EventMessageNew      = "message:new"
	EventGroupUpdated    = "group:updated"
	EventConnectionReady = "connection:ready"
)

// ErrUnknownEvent is returned by DecodeEvent for event types this package
// does not handle. Such events are skipped.
var ErrUnknownEvent = errors.New("chatsync: unknown event type")

// Event is a push event. The set of implementations is closed: MessageNew,
// GroupUpdated and ConnectionReady.
type Event interface {
	EventType() string
	isEvent()
}

// MessageNew announces a message persisted in a group.
type MessageNew struct {
	Message ChatMessage
}

// GroupUpdated carries the full record of a changed group, including
// archive notifications.
type GroupUpdated struct {
	Group ChatGroup
}

// ConnectionReady lists the groups the session is subscribed to.
type ConnectionReady struct {
	UserID   string   `json:"userId"`
	GroupIDs []string `json:"groupIds"`
}

func (MessageNew) EventType() string      { return EventMessageNew }
func (GroupUpdated) EventType() string    { return EventGroupUpdated }
func (ConnectionReady) EventType() string { return EventConnectionReady }

func (MessageNew) isEvent()      {}
func (GroupUpdated) isEvent()    {}
func (ConnectionReady) isEvent() {}

// Envelope is the wire format shared by every push transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent parses one envelope into its event variant. Payloads missing
// identity fields are rejected with ErrMalformedPayload.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return env.Event()
}

// Event decodes the envelope's payload.
func (env Envelope) Event() (Event, error) {
	switch env.Type {
	case EventMessageNew:
		var m ChatMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return MessageNew{Message: m}, nil

	case EventGroupUpdated:
		var g ChatGroup
		if err := json.Unmarshal(env.Payload, &g); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		return GroupUpdated{Group: g}, nil

	case EventConnectionReady:
		var r ConnectionReady
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &r); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
			}
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// EncodeEvent wraps an event in its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload interface{}
	switch e := ev.(type) {
	case MessageNew:
		payload = e.Message
	case GroupUpdated:
		payload = e.Group
	case ConnectionReady:
		payload = e
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Payload: raw})
}
