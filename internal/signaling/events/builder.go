package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder stamps events with consistent defaults.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder for this node.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) newBase(eventType EventType, id string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: b.now().UTC(),
		ID:        id,
		NodeID:    b.nodeID,
	}
}

// ConnectionOpened builds a connection.opened event.
func (b *Builder) ConnectionOpened(connID, platform, identity, remoteAddr string) *ConnectionEvent {
	return &ConnectionEvent{
		BaseEvent:  b.newBase(ConnectionOpened, connID),
		Platform:   platform,
		Identity:   identity,
		RemoteAddr: remoteAddr,
	}
}

// ConnectionClosed builds a connection.closed event.
func (b *Builder) ConnectionClosed(connID string, endedSessions []string) *ConnectionEvent {
	return &ConnectionEvent{
		BaseEvent:     b.newBase(ConnectionClosed, connID),
		EndedSessions: endedSessions,
	}
}

// CallStarted builds a call.started event.
func (b *Builder) CallStarted(sessionID, connID, widgetID, route string) *CallStartedEvent {
	return &CallStartedEvent{
		BaseEvent: b.newBase(CallStarted, sessionID),
		ConnID:    connID,
		WidgetID:  widgetID,
		Route:     route,
	}
}

// CallAnswered builds a call.answered event.
func (b *Builder) CallAnswered(sessionID, connID string, participants []string) *CallAnsweredEvent {
	return &CallAnsweredEvent{
		BaseEvent:    b.newBase(CallAnswered, sessionID),
		ConnID:       connID,
		Participants: participants,
	}
}

// CallEnded builds a call.ended event. The duration is measured from startedAt.
func (b *Builder) CallEnded(sessionID string, reason EndReason, endedBy, widgetID string, startedAt time.Time) *CallEndedEvent {
	base := b.newBase(CallEnded, sessionID)
	var dur int64
	if !startedAt.IsZero() {
		dur = base.EventTime.Sub(startedAt).Milliseconds()
	}
	return &CallEndedEvent{
		BaseEvent:  base,
		Reason:     reason,
		EndedBy:    endedBy,
		DurationMs: dur,
		WidgetID:   widgetID,
	}
}

// CallRouted builds a call.routed event keyed by the provider call ID.
func (b *Builder) CallRouted(callSid, widgetID string) *CallRoutedEvent {
	return &CallRoutedEvent{
		BaseEvent: b.newBase(CallRouted, callSid),
		WidgetID:  widgetID,
	}
}

// CallStatus builds a call.status event keyed by the provider call ID.
func (b *Builder) CallStatus(callSid, widgetID, status, duration string) *CallStatusEvent {
	return &CallStatusEvent{
		BaseEvent:  b.newBase(CallStatus, callSid),
		WidgetID:   widgetID,
		CallStatus: status,
		Duration:   duration,
	}
}
