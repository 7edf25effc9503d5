package dialplan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// DestinationKind classifies the address a route dials.
type DestinationKind string

const (
	DestinationNone      DestinationKind = ""
	DestinationSIP       DestinationKind = "sip"
	DestinationPSTN      DestinationKind = "pstn"
	DestinationClient    DestinationKind = "client"
	DestinationAssistant DestinationKind = "assistant"
	DestinationVoicemail DestinationKind = "voicemail"
)

// Destination is a classified dial target.
type Destination struct {
	Kind    DestinationKind
	Address string
}

var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// ClassifyDestination decides whether s is a SIP URI or an E.164 number.
// Anything else is ErrInvalidDestination.
func ClassifyDestination(s string) (Destination, error) {
	addr := strings.TrimSpace(s)
	lower := strings.ToLower(addr)

	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(addr, &uri); err != nil {
			return Destination{}, fmt.Errorf("%w: %q: %v", ErrInvalidDestination, s, err)
		}
		if uri.Host == "" {
			return Destination{}, fmt.Errorf("%w: %q: missing host", ErrInvalidDestination, s)
		}
		return Destination{Kind: DestinationSIP, Address: addr}, nil
	}

	if e164.MatchString(addr) {
		return Destination{Kind: DestinationPSTN, Address: addr}, nil
	}
	return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
}
