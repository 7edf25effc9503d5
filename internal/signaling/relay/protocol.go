package relay

import (
	"encoding/json"
	"fmt"
)

// Envelope event names.
const (
	EventSignal          = "signal"
	EventConnected       = "connected"
	EventCallStatus      = "call-status"
	EventCallEstablished = "call-established"
	EventCallEnded       = "call-ended"
	EventAssistantConfig = "assistant-config"
	EventParticipantLeft = "participant-left"
)

// Signal types with dedicated handlers.
const (
	SignalCallStart  = "call-start"
	SignalCallAnswer = "call-answer"
	SignalCallEnd    = "call-end"
	SignalCallReject = "call-reject"
)

// Call status values carried by call-status.
const (
	StatusConnecting = "connecting"
	StatusError      = "error"
)

// CloseAuthFailed is the close code sent when the connect credential is rejected.
const CloseAuthFailed = 4001

// Envelope is the frame exchanged in both directions: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound frame before encoding.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Signal is an inbound signal payload. Payload keeps every field as sent so
// the generic relay can forward it untouched.
type Signal struct {
	Type      string          `json:"type"`
	WidgetID  string          `json:"widgetId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`

	Payload map[string]json.RawMessage `json:"-"`
}

// ParseSignal decodes the data of a signal envelope.
func ParseSignal(data json.RawMessage) (Signal, error) {
	var sig Signal
	if len(data) == 0 {
		return sig, fmt.Errorf("empty signal")
	}
	if err := json.Unmarshal(data, &sig.Payload); err != nil {
		return sig, fmt.Errorf("decode signal: %w", err)
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("decode signal fields: %w", err)
	}
	return sig, nil
}

// CallStatusData is the data of call-status.
type CallStatusData struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// CallEstablishedData is the data of call-established.
type CallEstablishedData struct {
	SessionID    string   `json:"sessionId"`
	WidgetID     string   `json:"widgetId,omitempty"`
	Route        string   `json:"route,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// CallEndedData is the data of call-ended.
type CallEndedData struct {
	SessionID string `json:"sessionId"`
	EndedBy   string `json:"endedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AssistantConfigData carries what a client needs to reach a voice
// assistant. It never includes caller media or server credentials.
type AssistantConfigData struct {
	PublicKey     string `json:"publicKey"`
	AssistantID   string `json:"assistantId"`
	AssistantName string `json:"assistantName,omitempty"`
}

// ConnectedData is the data of the hello frame sent once a connection is active.
type ConnectedData struct {
	ID string `json:"id"`
}

// ParticipantLeftData tells remaining participants that a peer disconnected.
type ParticipantLeftData struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

func callStatus(status, message, sessionID string) Message {
	return Message{Event: EventCallStatus, Data: CallStatusData{Status: status, Message: message, SessionID: sessionID}}
}
