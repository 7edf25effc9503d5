// Package events defines call and connection lifecycle events and the
// publishers that ship them to other services.
package events

import (
	"time"
)

// EventType identifies the type of event
type EventType string

const (
	// ConnectionOpened fires when a signaling connection becomes active
	ConnectionOpened EventType = "connection.opened"
	// ConnectionClosed fires after a connection has been cleaned up
	ConnectionClosed EventType = "connection.closed"
	// CallStarted fires when a client call-start creates a session
	CallStarted EventType = "call.started"
	// CallAnswered fires when another connection joins a session
	CallAnswered EventType = "call.answered"
	// CallEnded fires when a session is removed for any reason
	CallEnded EventType = "call.ended"
	// CallRouted fires when an inbound telephony call has been routed
	CallRouted EventType = "call.routed"
	// CallStatus fires for telephony provider status callbacks
	CallStatus EventType = "call.status"
)

// EndReason explains why a call ended
type EndReason string

const (
	EndReasonHangup     EndReason = "hangup"     // A participant sent call-end
	EndReasonDisconnect EndReason = "disconnect" // Last participant went away
	EndReasonShutdown   EndReason = "shutdown"   // Server stopped
	EndReasonRejected   EndReason = "rejected"   // Callee declined with call-reject
)

// Event is the base interface for all events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the pub/sub subject this event is published to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// Key returns the primary correlation ID (session, connection or provider call ID)
	Key() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// ID is the session ID for call.* events and the connection ID for connection.* events.
	ID     string `json:"id"`
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) Key() string          { return e.ID }

// Subject returns the routing subject, e.g. click2call.calls.<id>.started
func (e *BaseEvent) Subject() string {
	return SubjectFor(e.EventType, e.ID)
}

// ConnectionEvent covers connection.opened and connection.closed
type ConnectionEvent struct {
	BaseEvent
	Platform   string `json:"platform,omitempty"`
	Identity   string `json:"identity,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	// EndedSessions lists sessions deleted because this connection left.
	EndedSessions []string `json:"ended_sessions,omitempty"`
}

// CallStartedEvent fires when a session is created by a client
type CallStartedEvent struct {
	BaseEvent
	ConnID   string `json:"conn_id"`
	WidgetID string `json:"widget_id,omitempty"`
	Route    string `json:"route,omitempty"`
}

// CallAnsweredEvent fires when a connection joins an existing session
type CallAnsweredEvent struct {
	BaseEvent
	ConnID       string   `json:"conn_id"`
	Participants []string `json:"participants"`
}

// CallEndedEvent fires when a session is removed
type CallEndedEvent struct {
	BaseEvent
	Reason     EndReason `json:"reason"`
	EndedBy    string    `json:"ended_by,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	WidgetID   string    `json:"widget_id,omitempty"`
}

// CallRoutedEvent fires when the webhook handler answers an inbound call
type CallRoutedEvent struct {
	BaseEvent
	WidgetID        string `json:"widget_id"`
	Route           string `json:"route"`
	DestinationKind string `json:"destination_kind,omitempty"`
	WithinHours     bool   `json:"within_hours"`
	UsedFallback    bool   `json:"used_fallback"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
}

// CallStatusEvent relays a provider status callback
type CallStatusEvent struct {
	BaseEvent
	WidgetID   string `json:"widget_id"`
	CallStatus string `json:"call_status"`
	Duration   string `json:"duration,omitempty"`
}
