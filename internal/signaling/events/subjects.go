package events

import (
	"fmt"
	"strings"
)

// Subject naming conventions.
//
// Hierarchy:
//   click2call.calls.<session_id>.<event_suffix>      - Per-call events
//   click2call.connections.<conn_id>.<event_suffix>   - Per-connection events
//
// Wildcard subscriptions (Redis PSUBSCRIBE):
//   click2call.calls.*                                - All call events
//   click2call.calls.*.ended                          - All call.ended events

const (
	// SubjectPrefix is the root of all subjects
	SubjectPrefix = "click2call"

	SubjectCalls       = SubjectPrefix + ".calls"
	SubjectConnections = SubjectPrefix + ".connections"
)

// Subject patterns for common consumer configurations
var (
	PatternAllCalls  = SubjectCalls + ".*"
	PatternCallEnded = SubjectCalls + ".*.ended"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "ended") => "click2call.calls.abc-123.ended"
func CallSubject(sessionID, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, sessionID, suffix)
}

// ConnectionSubject builds a subject for a connection event.
func ConnectionSubject(connID, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectConnections, connID, suffix)
}

// SubjectFor derives the subject from the event type namespace.
func SubjectFor(t EventType, id string) string {
	namespace, suffix, ok := strings.Cut(string(t), ".")
	if !ok {
		return CallSubject(id, "unknown")
	}
	if namespace == "connection" {
		return ConnectionSubject(id, suffix)
	}
	return CallSubject(id, suffix)
}
