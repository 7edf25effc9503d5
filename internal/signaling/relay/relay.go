// Package relay implements the websocket signaling relay: connection
// authentication and lifecycle, dispatch of call-control signals to the
// session registry, and fan-out of the resulting messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sebas/click2call/internal/signaling/auth"
	"github.com/sebas/click2call/internal/signaling/dialplan"
	"github.com/sebas/click2call/internal/signaling/events"
	"github.com/sebas/click2call/internal/signaling/registry"
	"github.com/sebas/click2call/internal/signaling/widget"
)

// Config holds transport tuning.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	AuthTimeout     time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
}

// Deps are the collaborators the relay works with.
type Deps struct {
	Registry  *registry.Registry
	Auth      auth.Authenticator
	Widgets   widget.Provider
	Resolver  *dialplan.Resolver
	Publisher events.Publisher
	Events    *events.Builder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Relay accepts signaling connections and routes their signals.
type Relay struct {
	cfg        Config
	registry   *registry.Registry
	auth       auth.Authenticator
	publisher  events.Publisher
	events     *events.Builder
	dispatcher *Dispatcher
	fallback   SignalHandler
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*client
	closing bool
}

// New creates a relay with the call-control handlers installed.
func New(cfg Config, deps Deps) (*Relay, error) {
	if deps.Registry == nil {
		return nil, errors.New("relay: registry required")
	}
	if deps.Auth == nil {
		return nil, errors.New("relay: authenticator required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Widgets == nil {
		deps.Widgets = noWidgets{}
	}
	if deps.Resolver == nil {
		deps.Resolver = dialplan.NewResolver(deps.Logger)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if deps.Events == nil {
		deps.Events = events.NewBuilder("")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:        cfg,
		registry:   deps.Registry,
		auth:       deps.Auth,
		publisher:  deps.Publisher,
		events:     deps.Events,
		dispatcher: NewDispatcher(),
		fallback:   relaySignal,
		upgrader:   makeUpgrader(cfg.AllowedOrigins),
		logger:     deps.Logger,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*client),
	}

	cc := &callControl{
		registry:  deps.Registry,
		widgets:   deps.Widgets,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		events:    deps.Events,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if err := cc.register(r.dispatcher); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

// Dispatcher exposes the dispatch table so callers can add signal types.
func (r *Relay) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// makeUpgrader creates a websocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			if allowAll {
				return true
			}
			origin := req.Header.Get("Origin")
			if origin == "" {
				return true // native apps send no Origin
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
//
// The credential is checked after the upgrade so that a browser client can
// read the close code; a rejected connection is closed with CloseAuthFailed
// and never becomes active.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("[Relay] Websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		rejectConn(conn, websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	c := newClient(r.ctx, uuid.New().String(), conn, r.cfg.SendBuffer)
	c.platform = req.URL.Query().Get("platform")
	if c.platform == "" {
		c.platform = req.Header.Get("X-Device-Platform")
	}

	credential := auth.BearerToken(req.Header.Get("Authorization"))
	if credential == "" {
		credential = req.URL.Query().Get("token")
	}

	authCtx, cancel := context.WithTimeout(c.ctx, r.cfg.AuthTimeout)
	identity, err := r.auth.Authenticate(authCtx, credential)
	cancel()
	if err != nil {
		c.transition(StateClosed)
		c.cancel()
		r.logger.Info("[Relay] Connection rejected", "remote", req.RemoteAddr, "error", err)
		rejectConn(conn, CloseAuthFailed, "authentication failed", r.cfg.WriteTimeout)
		return
	}
	c.subject = identity.Subject
	c.transition(StateAuthenticated)

	if err := r.registry.RegisterConnection(registry.Connection{
		ID:         c.id,
		Transport:  "websocket",
		RemoteAddr: req.RemoteAddr,
		Origin:     req.Header.Get("Origin"),
		Platform:   c.platform,
		Subject:    identity.Subject,
	}); err != nil {
		c.transition(StateClosed)
		c.cancel()
		r.logger.Error("[Relay] Connection registration failed", "conn_id", c.id, "error", err)
		rejectConn(conn, websocket.CloseInternalServerErr, "registration failed", r.cfg.WriteTimeout)
		return
	}

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	c.transition(StateActive)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.writePump(r.cfg.PingInterval, r.cfg.WriteTimeout)
	}()

	r.sendTo(c, Message{Event: EventConnected, Data: ConnectedData{ID: c.id}})
	r.publish(r.events.ConnectionOpened(c.id, c.platform, identity.Subject, req.RemoteAddr))
	r.logger.Info("[Relay] Connection active",
		"conn_id", c.id, "subject", identity.Subject, "platform", c.platform, "remote", req.RemoteAddr)

	defer r.disconnect(c)
	r.readLoop(c)
}

func rejectConn(conn *websocket.Conn, code int, reason string, timeout time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	_ = conn.Close()
}

func (r *Relay) readLoop(c *client) {
	c.conn.SetReadLimit(r.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("[Relay] Read error", "conn_id", c.id, "error", err)
			}
			return
		}
		// Any message resets the read deadline.
		_ = c.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		r.handleFrame(c, data)
		if c.ctx.Err() != nil {
			return
		}
	}
}

// handleFrame decodes one frame and runs its handler. Handler panics are
// contained to the frame.
func (r *Relay) handleFrame(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("[Relay] Invalid frame", "conn_id", c.id, "error", err)
		return
	}
	if env.Event != EventSignal {
		r.logger.Debug("[Relay] Ignoring event", "conn_id", c.id, "event", env.Event)
		return
	}

	sig, err := ParseSignal(env.Data)
	if err != nil {
		r.logger.Warn("[Relay] Invalid signal", "conn_id", c.id, "error", err)
		return
	}
	if sig.Type == "" {
		r.logger.Debug("[Relay] Ignoring signal without type", "conn_id", c.id)
		return
	}

	h, ok := r.dispatcher.Lookup(sig.Type)
	if !ok {
		h = r.fallback
	}

	req := Request{
		ConnID: c.id,
		Signal: sig,
		Notify: func(msg Message) { r.sendTo(c, msg) },
	}
	r.deliver(r.invoke(c, h, req))
}

func (r *Relay) invoke(c *client, h SignalHandler, req Request) (out []Delivery) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("[Relay] Signal handler panicked",
				"conn_id", c.id, "type", req.Signal.Type, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			out = []Delivery{To(callStatus(StatusError, "Internal error", req.Signal.SessionID), c.id)}
		}
	}()
	return h(c.ctx, req)
}

// deliver encodes each message once and queues it for its recipients.
func (r *Relay) deliver(deliveries []Delivery) {
	for _, d := range deliveries {
		frame, err := json.Marshal(d.Message)
		if err != nil {
			r.logger.Error("[Relay] Encode failed", "event", d.Message.Event, "error", err)
			continue
		}

		r.mu.RLock()
		var targets []*client
		if d.Broadcast {
			for id, c := range r.clients {
				if id != d.Except && c.State() == StateActive {
					targets = append(targets, c)
				}
			}
		} else {
			for _, id := range d.To {
				if c, ok := r.clients[id]; ok {
					targets = append(targets, c)
				}
			}
		}
		r.mu.RUnlock()

		for _, c := range targets {
			if !c.enqueue(frame) {
				r.logger.Debug("[Relay] Dropped frame", "conn_id", c.id, "event", d.Message.Event)
			}
		}
	}
}

func (r *Relay) sendTo(c *client, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("[Relay] Encode failed", "event", msg.Event, "error", err)
		return
	}
	c.enqueue(frame)
}

// disconnect runs on every exit path of an active connection.
func (r *Relay) disconnect(c *client) {
	c.transition(StateClosed)
	c.cancel()

	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()

	affected := r.registry.RemoveConnection(c.id)

	var ended []string
	var notices []Delivery
	for _, a := range affected {
		if a.Ended {
			ended = append(ended, a.Session.ID)
			reason := events.EndReasonDisconnect
			if r.ctx.Err() != nil {
				reason = events.EndReasonShutdown
			}
			r.publish(r.events.CallEnded(a.Session.ID, reason, c.id, a.Session.WidgetID, a.Session.StartedAt))
			continue
		}
		notices = append(notices, To(Message{Event: EventParticipantLeft, Data: ParticipantLeftData{
			SessionID:    a.Session.ID,
			ConnectionID: c.id,
		}}, a.Session.Participants...))
	}
	r.deliver(notices)

	r.publish(r.events.ConnectionClosed(c.id, ended))
	r.logger.Info("[Relay] Connection closed", "conn_id", c.id, "sessions_ended", len(ended))
}

func (r *Relay) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("[Relay] Event publish failed", "type", ev.Type(), "error", err)
	}
}

// ActiveConnections returns the number of connections currently served.
func (r *Relay) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Shutdown stops accepting connections, closes every active one with
// CloseGoingAway and waits for their cleanup or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("[Relay] All connections closed", "count", len(clients))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// noWidgets is used when no widget source is configured.
type noWidgets struct{}

func (noWidgets) Get(_ context.Context, id string) (*widget.Widget, error) {
	return nil, fmt.Errorf("%w: %s", widget.ErrNotFound, id)
}
