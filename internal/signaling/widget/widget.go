// Package widget loads click-to-call widget configuration from the
// configured backing store.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/sebas/click2call/internal/signaling/dialplan"
)

// ErrNotFound is returned when no widget has the requested ID.
var ErrNotFound = errors.New("widget not found")

// Widget is an embeddable call button owned by a customer.
type Widget struct {
	ID          string             `json:"id" validate:"required"`
	Name        string             `json:"name"`
	Type        dialplan.RouteKind `json:"type"`
	Destination string             `json:"destination"`
	Routing     Routing            `json:"routing"`
	Settings    Settings           `json:"settings"`
}

// Routing selects where calls go and when.
type Routing struct {
	DefaultRoute  dialplan.RouteKind      `json:"defaultRoute"`
	FallbackRoute dialplan.RouteKind      `json:"fallbackRoute"`
	BusinessHours *dialplan.BusinessHours `json:"businessHours,omitempty" validate:"omitempty"`
}

// Settings holds per-widget provider credentials.
type Settings struct {
	TwilioAccountSID   string `json:"twilio_account_sid"`
	TwilioAuthToken    string `json:"twilio_auth_token"`
	SIPDomain          string `json:"sip_domain"`
	AssistantPublicKey string `json:"vapi_public_key"`
	AssistantID        string `json:"vapi_assistant_id"`
	AssistantName      string `json:"vapi_assistant_name"`
}

// RoutingConfig projects the widget onto the resolver input. An unset
// default route falls back to the widget type.
func (w *Widget) RoutingConfig() dialplan.Config {
	def := w.Routing.DefaultRoute
	if def == "" {
		def = w.Type
	}
	return dialplan.Config{
		WidgetID:      w.ID,
		DefaultRoute:  def,
		FallbackRoute: w.Routing.FallbackRoute,
		BusinessHours: w.Routing.BusinessHours,
		Destination:   w.Destination,
		AssistantID:   w.Settings.AssistantID,
	}
}

// Provider looks widgets up by ID. Implementations return ErrNotFound
// (possibly wrapped) for unknown IDs; any other error is transient.
type Provider interface {
	Get(ctx context.Context, id string) (*Widget, error)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks required fields and the business-hours window.
func Validate(w *Widget) error {
	validateOnce.Do(func() { validate = validator.New() })
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("widget %q: %w", w.ID, err)
	}
	if bh := w.Routing.BusinessHours; bh != nil {
		for _, d := range bh.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("widget %q: business hours day %d out of range", w.ID, d)
			}
		}
	}
	return nil
}
