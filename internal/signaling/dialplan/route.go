package dialplan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RouteKind names where a call is sent.
type RouteKind string

const (
	// RouteCall2App rings a web or mobile client of the widget owner.
	RouteCall2App RouteKind = "call2app"
	// RouteSIPTrunk dials the widget destination as a SIP URI or phone number.
	RouteSIPTrunk RouteKind = "siptrunk"
	// RouteAIBot hands the call to an AI voice assistant.
	RouteAIBot RouteKind = "aibot"
	// RouteVoicemail sends the caller to voicemail.
	RouteVoicemail RouteKind = "voicemail"
	// RouteUnroutable means no usable destination; the caller hears an apology.
	RouteUnroutable RouteKind = "unroutable"
)

// routeAliases maps legacy names onto canonical kinds.
var routeAliases = map[string]RouteKind{
	"vapi": RouteAIBot,
}

// ParseRouteKind normalizes a configured route name. The empty string is
// returned unchanged so callers can tell "unset" apart.
func ParseRouteKind(s string) (RouteKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return "", nil
	}
	if alias, ok := routeAliases[name]; ok {
		return alias, nil
	}
	switch k := RouteKind(name); k {
	case RouteCall2App, RouteSIPTrunk, RouteAIBot, RouteVoicemail:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRoute, s)
}

// String implements fmt.Stringer
func (k RouteKind) String() string {
	return string(k)
}

// UnmarshalJSON accepts aliases and rejects unknown names.
func (k *RouteKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRouteKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Config is the routing part of a widget.
type Config struct {
	WidgetID      string
	DefaultRoute  RouteKind
	FallbackRoute RouteKind
	// BusinessHours is nil when the widget is always open.
	BusinessHours *BusinessHours
	// Destination is a phone number, SIP URI or client identity depending on the route.
	Destination string
	AssistantID string
}
