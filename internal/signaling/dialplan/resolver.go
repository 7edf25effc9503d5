package dialplan

import (
	"log/slog"
	"time"
)

// Resolution is the outcome of routing one call.
type Resolution struct {
	Route       RouteKind
	Destination Destination
	// WithinHours is true when no window is configured or now is inside it.
	WithinHours  bool
	UsedFallback bool
	// HoursErr is set when the window could not be evaluated; routing then
	// fails open to the default route.
	HoursErr error
}

// Resolver selects routes. It holds no per-call state and is safe for
// concurrent use.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve picks the route for cfg at now:
//   - no window, or inside it: default route
//   - outside with a fallback: fallback route
//   - outside without a fallback, or window error: default route
//
// An unset default route dials the widget destination.
func (r *Resolver) Resolve(cfg Config, now time.Time) Resolution {
	res := Resolution{WithinHours: true}

	route := cfg.DefaultRoute
	if route == "" {
		route = RouteSIPTrunk
	}

	if cfg.BusinessHours != nil {
		within, err := IsWithinHours(*cfg.BusinessHours, now)
		switch {
		case err != nil:
			res.HoursErr = err
			r.logger.Warn("[Dialplan] Business hours unusable, routing to default",
				"widget_id", cfg.WidgetID, "error", err)
		case !within:
			res.WithinHours = false
			if cfg.FallbackRoute != "" {
				route = cfg.FallbackRoute
				res.UsedFallback = true
			}
		}
	}

	res.Route, res.Destination = r.destinationFor(cfg, route)
	r.logger.Debug("[Dialplan] Route resolved",
		"widget_id", cfg.WidgetID,
		"route", res.Route,
		"within_hours", res.WithinHours,
		"fallback", res.UsedFallback)
	return res
}

func (r *Resolver) destinationFor(cfg Config, route RouteKind) (RouteKind, Destination) {
	switch route {
	case RouteSIPTrunk:
		dest, err := ClassifyDestination(cfg.Destination)
		if err != nil {
			r.logger.Info("[Dialplan] Destination not dialable", "widget_id", cfg.WidgetID, "error", err)
			return RouteUnroutable, Destination{}
		}
		return route, dest
	case RouteCall2App:
		identity := cfg.Destination
		if identity == "" {
			identity = cfg.WidgetID
		}
		return route, Destination{Kind: DestinationClient, Address: identity}
	case RouteAIBot:
		return route, Destination{Kind: DestinationAssistant, Address: cfg.AssistantID}
	case RouteVoicemail:
		return route, Destination{Kind: DestinationVoicemail}
	default:
		return RouteUnroutable, Destination{}
	}
}
