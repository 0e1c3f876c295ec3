package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

// Backend-originated events.
const (
	DeviceCreatedEvent EventType = "DEVICE_CREATED"
	DeviceUpdatedEvent EventType = "DEVICE_UPDATED"
	DeviceDeletedEvent EventType = "DEVICE_DELETED"
	DeviceCommandEvent EventType = "DEVICE_COMMAND"
	PowerReadingEvent  EventType = "POWER_READING"
)

// Agent-originated events.
const (
	DeviceOnEvent        EventType = "DEVICE_ON"
	DeviceOffEvent       EventType = "DEVICE_OFF"
	GPIOChangeEvent      EventType = "GPIO_CHANGE"
	AutoTriggerEvent     EventType = "AUTO_TRIGGER"
	ScheduleTriggerEvent EventType = "SCHEDULE_TRIGGER"
	ManualTriggerEvent   EventType = "MANUAL_TRIGGER"
	ErrorEvent           EventType = "ERROR"
)

var ErrInvalidEvent = errors.New("invalid event")

// Envelope is the only shape that goes over the bus.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Message is either a prebuilt envelope or an event type with a payload
// still to be encoded. The zero value is invalid.
type Message struct {
	envelope  *Envelope
	eventType EventType
	payload   any
}

func FromEnvelope(e Envelope) Message {
	return Message{envelope: &e}
}

// FromMap wraps an already decoded {"event_type": ..., "payload": ...}
// object. Missing keys surface from Build as ErrInvalidEvent.
func FromMap(m map[string]any) Message {
	env := Envelope{}
	if t, ok := m["event_type"].(string); ok {
		env.EventType = EventType(t)
	}
	if p, ok := m["payload"]; ok && p != nil {
		if raw, err := json.Marshal(p); err == nil {
			env.Payload = raw
		}
	}
	return FromEnvelope(env)
}

func Of(t EventType, payload any) Message {
	return Message{eventType: t, payload: payload}
}

// Build validates msg and returns the canonical envelope.
func Build(msg Message) (Envelope, error) {
	if msg.envelope != nil {
		env := *msg.envelope
		if env.EventType == "" {
			return Envelope{}, fmt.Errorf("%w: envelope has no event_type", ErrInvalidEvent)
		}
		if !isObject(env.Payload) {
			return Envelope{}, fmt.Errorf("%w: %s payload must be a JSON object", ErrInvalidEvent, env.EventType)
		}
		return env, nil
	}

	if msg.eventType == "" || msg.payload == nil {
		return Envelope{}, fmt.Errorf("%w: event_type and payload are required", ErrInvalidEvent)
	}

	raw, ok := msg.payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(msg.payload); err != nil {
			return Envelope{}, fmt.Errorf("%w: encode %s payload: %v", ErrInvalidEvent, msg.eventType, err)
		}
	}

	if !isObject(raw) {
		return Envelope{}, fmt.Errorf("%w: %s payload must be a JSON object", ErrInvalidEvent, msg.eventType)
	}

	return Envelope{EventType: msg.eventType, Payload: raw}, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 1 && raw[0] == '{' && json.Valid(raw)
}
