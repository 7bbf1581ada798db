package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventQueueAdvanced  EventType = "QueueAdvanced"
	EventPatientSkipped EventType = "PatientSkipped"
	EventVisitCompleted EventType = "VisitCompleted"
	EventVisitCancelled EventType = "VisitCancelled"
	EventSessionStarted EventType = "SessionStarted"
)

// QueueEvent is one of the broadcast payloads below.
type QueueEvent interface {
	EventType() EventType
}

type QueueAdvanced struct {
	CurrentSlotTime string     `json:"currentSlotTime"`
	AvgDuration     float64    `json:"avgDuration"`
	CalledAt        *time.Time `json:"calledAt"`
}

type PatientSkipped struct {
	SlotTime string `json:"slotTime"`
}

type VisitCompleted struct {
	SlotTime string `json:"slotTime"`
}

type VisitCancelled struct {
	SlotTime string `json:"slotTime"`
}

type SessionStarted struct{}

func (QueueAdvanced) EventType() EventType  { return EventQueueAdvanced }
func (PatientSkipped) EventType() EventType { return EventPatientSkipped }
func (VisitCompleted) EventType() EventType { return EventVisitCompleted }
func (VisitCancelled) EventType() EventType { return EventVisitCancelled }
func (SessionStarted) EventType() EventType { return EventSessionStarted }

// Envelope is the wire form of a QueueEvent on websockets and Redis.
type Envelope struct {
	Type     EventType       `json:"type"`
	DoctorID string          `json:"doctorId"`
	Payload  json.RawMessage `json:"payload"`
}

func NewEnvelope(doctorID string, event QueueEvent) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", event.EventType(), err)
	}
	return Envelope{Type: event.EventType(), DoctorID: doctorID, Payload: payload}, nil
}

// Decode returns the typed event carried by the envelope.
func (e Envelope) Decode() (QueueEvent, error) {
	var event QueueEvent
	switch e.Type {
	case EventQueueAdvanced:
		event = &QueueAdvanced{}
	case EventPatientSkipped:
		event = &PatientSkipped{}
	case EventVisitCompleted:
		event = &VisitCompleted{}
	case EventVisitCancelled:
		event = &VisitCancelled{}
	case EventSessionStarted:
		return SessionStarted{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, event); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
	}
	return deref(event), nil
}

func deref(event QueueEvent) QueueEvent {
	switch v := event.(type) {
	case *QueueAdvanced:
		return *v
	case *PatientSkipped:
		return *v
	case *VisitCompleted:
		return *v
	case *VisitCancelled:
		return *v
	}
	return event
}
