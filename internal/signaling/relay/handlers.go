package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/click2call/internal/signaling/dialplan"
	"github.com/sebas/click2call/internal/signaling/events"
	"github.com/sebas/click2call/internal/signaling/registry"
	"github.com/sebas/click2call/internal/signaling/widget"
)

// callControl implements the call-control vocabulary on top of the registry.
type callControl struct {
	registry  *registry.Registry
	widgets   widget.Provider
	resolver  *dialplan.Resolver
	publisher events.Publisher
	events    *events.Builder
	logger    *slog.Logger
	now       func() time.Time
}

// register installs the call-control handlers into d.
func (cc *callControl) register(d *Dispatcher) error {
	for signalType, h := range map[string]SignalHandler{
		SignalCallStart:  cc.callStart,
		SignalCallAnswer: cc.callAnswer,
		SignalCallEnd:    cc.callEnd,
		SignalCallReject: cc.callReject,
	} {
		if err := d.Register(signalType, h); err != nil {
			return err
		}
	}
	return nil
}

func (cc *callControl) callStart(ctx context.Context, req Request) []Delivery {
	sig := req.Signal
	sessionID := sig.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if req.Notify != nil {
		req.Notify(callStatus(StatusConnecting, "Setting up call", sessionID))
	}

	var (
		w     *widget.Widget
		route dialplan.RouteKind
		res   dialplan.Resolution
	)
	if sig.WidgetID != "" {
		var err error
		w, err = cc.widgets.Get(ctx, sig.WidgetID)
		if err != nil {
			setupErr := &SetupError{Op: "widget lookup", WidgetID: sig.WidgetID, Cause: err}
			cc.logger.Warn("[Relay] Call setup failed", "conn_id", req.ConnID, "session_id", sessionID, "error", setupErr)
			msg := "Call setup failed"
			if errors.Is(err, widget.ErrNotFound) {
				msg = "Widget not found"
			}
			return []Delivery{To(callStatus(StatusError, msg, sessionID), req.ConnID)}
		}
		res = cc.resolver.Resolve(w.RoutingConfig(), cc.now())
		route = res.Route
	}

	sess, err := cc.registry.StartSession(sessionID, req.ConnID, sig.WidgetID)
	switch {
	case errors.Is(err, registry.ErrConnectionNotFound):
		// The caller disconnected while setup was in flight; nobody to tell.
		cc.logger.Debug("[Relay] Call start dropped, connection gone", "conn_id", req.ConnID, "session_id", sessionID)
		return nil
	case errors.Is(err, registry.ErrDuplicateSession):
		cc.logger.Warn("[Relay] Duplicate session on call start", "conn_id", req.ConnID, "session_id", sessionID)
		return []Delivery{To(callStatus(StatusError, "Session already active", sessionID), req.ConnID)}
	case err != nil:
		cc.logger.Error("[Relay] Call start rejected", "conn_id", req.ConnID, "error", err)
		return []Delivery{To(callStatus(StatusError, "Call setup failed", sessionID), req.ConnID)}
	}

	var out []Delivery
	if w != nil && route == dialplan.RouteAIBot {
		out = append(out, To(Message{Event: EventAssistantConfig, Data: AssistantConfigData{
			PublicKey:     w.Settings.AssistantPublicKey,
			AssistantID:   res.Destination.Address,
			AssistantName: w.Settings.AssistantName,
		}}, req.ConnID))
	}
	out = append(out, To(Message{Event: EventCallEstablished, Data: CallEstablishedData{
		SessionID: sess.ID,
		WidgetID:  sess.WidgetID,
		Route:     string(route),
	}}, req.ConnID))

	cc.publish(ctx, cc.events.CallStarted(sess.ID, req.ConnID, sess.WidgetID, string(route)))
	cc.logger.Info("[Relay] Call started",
		"session_id", sess.ID, "conn_id", req.ConnID, "widget_id", sess.WidgetID, "route", route)
	return out
}

func (cc *callControl) callAnswer(ctx context.Context, req Request) []Delivery {
	sessionID := req.Signal.SessionID
	if sessionID == "" {
		return []Delivery{To(callStatus(StatusError, "sessionId required", ""), req.ConnID)}
	}

	sess, added, err := cc.registry.JoinSession(sessionID, req.ConnID)
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return []Delivery{To(callStatus(StatusError, "Call no longer active", sessionID), req.ConnID)}
	case err != nil:
		cc.logger.Debug("[Relay] Call answer dropped", "conn_id", req.ConnID, "session_id", sessionID, "error", err)
		return nil
	}

	if added {
		cc.publish(ctx, cc.events.CallAnswered(sess.ID, req.ConnID, sess.Participants))
		cc.logger.Info("[Relay] Call answered", "session_id", sess.ID, "conn_id", req.ConnID)
	}
	return []Delivery{To(Message{Event: EventCallEstablished, Data: CallEstablishedData{
		SessionID:    sess.ID,
		WidgetID:     sess.WidgetID,
		Participants: sess.Participants,
	}}, sess.Participants...)}
}

func (cc *callControl) callEnd(ctx context.Context, req Request) []Delivery {
	sessionID := req.Signal.SessionID
	if sessionID == "" {
		sessionID = cc.currentSession(req.ConnID)
	}
	ack := To(Message{Event: EventCallEnded, Data: CallEndedData{SessionID: sessionID, EndedBy: req.ConnID}}, req.ConnID)

	sess, ok := cc.registry.Session(sessionID)
	if !ok {
		// Redundant end from a network race; acknowledge so the client settles.
		return []Delivery{ack}
	}
	if !sess.HasParticipant(req.ConnID) {
		cc.logger.Warn("[Relay] Call end from non-participant", "conn_id", req.ConnID, "session_id", sessionID)
		return []Delivery{To(callStatus(StatusError, "Not a participant", sessionID), req.ConnID)}
	}

	ended, ok := cc.registry.EndSession(sessionID)
	if !ok {
		return []Delivery{ack}
	}

	cc.publish(ctx, cc.events.CallEnded(ended.ID, events.EndReasonHangup, req.ConnID, ended.WidgetID, ended.StartedAt))
	cc.logger.Info("[Relay] Call ended", "session_id", ended.ID, "ended_by", req.ConnID)
	return []Delivery{To(Message{Event: EventCallEnded, Data: CallEndedData{
		SessionID: ended.ID,
		EndedBy:   req.ConnID,
	}}, ended.Participants...)}
}

// callReject declines a ringing call. The session is removed and everyone
// involved, the rejecting connection included, gets call-ended with reason
// rejected.
func (cc *callControl) callReject(ctx context.Context, req Request) []Delivery {
	sessionID := req.Signal.SessionID
	if sessionID == "" {
		return []Delivery{To(callStatus(StatusError, "sessionId required", ""), req.ConnID)}
	}
	rejected := CallEndedData{SessionID: sessionID, EndedBy: req.ConnID, Reason: string(events.EndReasonRejected)}

	ended, ok := cc.registry.EndSession(sessionID)
	if !ok {
		// Already ended or never existed.
		return []Delivery{To(Message{Event: EventCallEnded, Data: rejected}, req.ConnID)}
	}

	cc.publish(ctx, cc.events.CallEnded(ended.ID, events.EndReasonRejected, req.ConnID, ended.WidgetID, ended.StartedAt))
	cc.logger.Info("[Relay] Call rejected", "session_id", ended.ID, "rejected_by", req.ConnID)

	recipients := ended.Participants
	if !ended.HasParticipant(req.ConnID) {
		recipients = append(recipients, req.ConnID)
	}
	return []Delivery{To(Message{Event: EventCallEnded, Data: rejected}, recipients...)}
}

// relaySignal forwards any other signal to every other active connection,
// tagged with the sender. The payload is not interpreted.
func relaySignal(_ context.Context, req Request) []Delivery {
	payload := make(map[string]json.RawMessage, len(req.Signal.Payload)+1)
	for k, v := range req.Signal.Payload {
		payload[k] = v
	}
	from, _ := json.Marshal(req.ConnID)
	payload["from"] = from

	return []Delivery{{
		Broadcast: true,
		Except:    req.ConnID,
		Message:   Message{Event: EventSignal, Data: payload},
	}}
}

// currentSession picks the most recently started session of connID.
func (cc *callControl) currentSession(connID string) string {
	var latest registry.CallSession
	for _, s := range cc.registry.SessionsFor(connID) {
		if latest.ID == "" || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	return latest.ID
}

func (cc *callControl) publish(ctx context.Context, ev events.Event) {
	// Events outlive the request; a cancelled connection must not drop them.
	if err := cc.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		cc.logger.Warn("[Relay] Event publish failed", "type", ev.Type(), "error", err)
	}
}
