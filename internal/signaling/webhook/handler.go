// Package webhook answers the telephony provider's inbound-call and
// status-callback webhooks for a widget.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"

	"github.com/sebas/click2call/internal/signaling/dialplan"
	"github.com/sebas/click2call/internal/signaling/events"
	"github.com/sebas/click2call/internal/signaling/widget"
)

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Options configures a Handler.
type Options struct {
	Widgets   widget.Provider
	Resolver  *dialplan.Resolver
	Publisher events.Publisher
	Events    *events.Builder
	// AuthToken is used when a widget has no token of its own.
	AuthToken string
	// PublicBaseURL is the externally visible origin (scheme://host) used to
	// rebuild the signed URL behind a proxy. Empty derives it from the request.
	PublicBaseURL string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Handler serves the voice and status webhooks. It keeps no per-request
// state, so requests run fully in parallel.
type Handler struct {
	widgets       widget.Provider
	resolver      *dialplan.Resolver
	publisher     events.Publisher
	events        *events.Builder
	authToken     string
	publicBaseURL string
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = dialplan.NewResolver(opts.Logger)
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Events == nil {
		opts.Events = events.NewBuilder("")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		widgets:       opts.Widgets,
		resolver:      opts.Resolver,
		publisher:     opts.Publisher,
		events:        opts.Events,
		authToken:     opts.AuthToken,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		logger:        opts.Logger,
		now:           opts.Now,
	}
}

// Register mounts the webhook routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/voice/:widgetId", h.Voice)
	r.POST("/status/:widgetId", h.Status)
}

// Voice answers an inbound call with routing instructions.
func (h *Handler) Voice(c *gin.Context) {
	widgetID := c.Param("widgetId")
	params := formParams(c)

	w, ok := h.authenticate(c, widgetID, params)
	if !ok {
		return
	}

	res := h.resolver.Resolve(w.RoutingConfig(), h.now())
	doc, err := instructions(res)
	if err != nil {
		h.logger.Error("[Webhook] TwiML render failed", "widget_id", widgetID, "error", err)
		h.respondSay(c, http.StatusOK, msgTransient)
		return
	}

	ev := h.events.CallRouted(params["CallSid"], widgetID)
	ev.Route = string(res.Route)
	ev.DestinationKind = string(res.Destination.Kind)
	ev.WithinHours = res.WithinHours
	ev.UsedFallback = res.UsedFallback
	ev.From = params["From"]
	ev.To = params["To"]
	h.publish(c.Request.Context(), ev)

	h.logger.Info("[Webhook] Inbound call routed",
		"widget_id", widgetID,
		"call_sid", params["CallSid"],
		"route", res.Route,
		"within_hours", res.WithinHours,
		"fallback", res.UsedFallback)
	c.Data(http.StatusOK, "text/xml", []byte(doc))
}

// Status acknowledges a call-progress callback.
func (h *Handler) Status(c *gin.Context) {
	widgetID := c.Param("widgetId")
	params := formParams(c)

	if _, ok := h.authenticate(c, widgetID, params); !ok {
		return
	}

	h.logger.Info("[Webhook] Call status",
		"widget_id", widgetID,
		"call_sid", params["CallSid"],
		"status", params["CallStatus"],
		"duration", params["CallDuration"])
	h.publish(c.Request.Context(),
		h.events.CallStatus(params["CallSid"], widgetID, params["CallStatus"], params["CallDuration"]))
	c.Status(http.StatusOK)
}

// authenticate loads the widget and verifies the request signature. When it
// returns false a response has already been written.
func (h *Handler) authenticate(c *gin.Context, widgetID string, params map[string]string) (*widget.Widget, bool) {
	var w *widget.Widget
	if h.widgets != nil {
		var err error
		w, err = h.widgets.Get(c.Request.Context(), widgetID)
		if err != nil && !errors.Is(err, widget.ErrNotFound) {
			// Never leave a caller in silence on a backend hiccup.
			h.logger.Error("[Webhook] Widget lookup failed", "widget_id", widgetID, "error", err)
			h.respondSay(c, http.StatusOK, msgTransient)
			return nil, false
		}
	}

	token := h.authToken
	if w != nil && w.Settings.TwilioAuthToken != "" {
		token = w.Settings.TwilioAuthToken
	}
	signature := c.GetHeader(SignatureHeader)
	if token == "" || signature == "" {
		h.logger.Warn("[Webhook] Unsigned request rejected", "widget_id", widgetID, "remote", c.ClientIP())
		h.respondHangup(c, http.StatusForbidden)
		return nil, false
	}

	validator := client.NewRequestValidator(token)
	if !validator.Validate(h.requestURL(c.Request), params, signature) {
		h.logger.Warn("[Webhook] Invalid signature", "widget_id", widgetID, "remote", c.ClientIP())
		h.respondHangup(c, http.StatusForbidden)
		return nil, false
	}

	if w == nil {
		h.logger.Info("[Webhook] Unknown widget", "widget_id", widgetID)
		h.respondHangup(c, http.StatusNotFound)
		return nil, false
	}
	return w, true
}

// requestURL rebuilds the URL the provider signed.
func (h *Handler) requestURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.TrimSpace(scheme)
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func formParams(c *gin.Context) map[string]string {
	params := make(map[string]string)
	if err := c.Request.ParseForm(); err != nil {
		return params
	}
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func (h *Handler) respondHangup(c *gin.Context, status int) {
	doc, err := hangup()
	if err != nil {
		c.Status(status)
		return
	}
	c.Data(status, "text/xml", []byte(doc))
}

func (h *Handler) respondSay(c *gin.Context, status int, message string) {
	doc, err := sayAndHangup(message)
	if err != nil {
		c.Status(status)
		return
	}
	c.Data(status, "text/xml", []byte(doc))
}

func (h *Handler) publish(ctx context.Context, ev events.Event) {
	if err := h.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		h.logger.Warn("[Webhook] Event publish failed", "type", ev.Type(), "error", err)
	}
}
