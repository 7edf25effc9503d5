package webhook

import (
	"github.com/twilio/twilio-go/twiml"

	"github.com/sebas/click2call/internal/signaling/dialplan"
)

// Spoken messages. The unroutable apology matches what callers have always heard.
const (
	msgUnroutable = "This call cannot be completed as dialed. Please try again later."
	msgVoicemail  = "No one is available to take your call right now. Please try again later."
	msgAssistant  = "Our assistant is not available by phone yet. Please try again later."
	msgTransient  = "We are unable to connect your call right now. Please try again later."
)

// instructions turns a resolution into a TwiML document.
func instructions(res dialplan.Resolution) (string, error) {
	switch res.Destination.Kind {
	case dialplan.DestinationSIP:
		return twiml.Voice([]twiml.Element{
			&twiml.VoiceDial{InnerElements: []twiml.Element{
				&twiml.VoiceSip{SipUrl: res.Destination.Address},
			}},
		})
	case dialplan.DestinationPSTN:
		return twiml.Voice([]twiml.Element{
			&twiml.VoiceDial{Number: res.Destination.Address},
		})
	case dialplan.DestinationClient:
		return twiml.Voice([]twiml.Element{
			&twiml.VoiceDial{InnerElements: []twiml.Element{
				&twiml.VoiceClient{Identity: res.Destination.Address},
			}},
		})
	case dialplan.DestinationVoicemail:
		return sayAndHangup(msgVoicemail)
	case dialplan.DestinationAssistant:
		return sayAndHangup(msgAssistant)
	default:
		return sayAndHangup(msgUnroutable)
	}
}

func sayAndHangup(message string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
}

func hangup() (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceHangup{}})
}
