package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/click2call/internal/signaling/auth"
	"github.com/sebas/click2call/internal/signaling/dialplan"
	"github.com/sebas/click2call/internal/signaling/events"
	"github.com/sebas/click2call/internal/signaling/registry"
	"github.com/sebas/click2call/internal/signaling/widget"
)

type fakeWidgets struct {
	mu      sync.Mutex
	widgets map[string]*widget.Widget
	err     error
}

func (f *fakeWidgets) Get(_ context.Context, id string) (*widget.Widget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w, ok := f.widgets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", widget.ErrNotFound, id)
	}
	return w, nil
}

type harness struct {
	srv      *httptest.Server
	relay    *Relay
	registry *registry.Registry
	events   *events.ChannelPublisher
	widgets  *fakeWidgets
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		registry: registry.New(),
		events:   events.NewChannelPublisher(1000),
		widgets:  &fakeWidgets{widgets: map[string]*widget.Widget{}},
	}
	r, err := New(Config{SendBuffer: 256}, Deps{
		Registry:  h.registry,
		Auth:      auth.NewStaticKeys(map[string]string{"good": "user-1"}),
		Widgets:   h.widgets,
		Publisher: h.events,
		Events:    events.NewBuilder("test"),
	})
	require.NoError(t, err)
	h.relay = r
	h.srv = httptest.NewServer(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.relay.Shutdown(ctx)
		h.srv.Close()
	})
	return h
}

func (h *harness) url(query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?" + query
}

// connect dials with a valid token and consumes the hello frame.
func (h *harness) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url("token=good&platform=web"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	env := readEnvelope(t, conn)
	require.Equal(t, EventConnected, env.Event)
	var hello ConnectedData
	require.NoError(t, json.Unmarshal(env.Data, &hello))
	require.NotEmpty(t, hello.ID)
	return conn, hello.ID
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string, into any) {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, event, env.Event, "data: %s", env.Data)
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
}

func sendSignal(t *testing.T, conn *websocket.Conn, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": EventSignal, "data": data}))
}

func TestAuthFailureClosesWith4001(t *testing.T) {
	h := newHarness(t)

	conn, _, err := websocket.DefaultDialer.Dial(h.url("token=bad"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)

	stats := h.registry.Stats()
	assert.Equal(t, int64(0), stats.TotalConnections)
	assert.Equal(t, 0, stats.ActiveConnections)
}

func TestBearerHeaderAuthenticates(t *testing.T) {
	h := newHarness(t)

	header := map[string][]string{"Authorization": {"Bearer good"}}
	conn, _, err := websocket.DefaultDialer.Dial(h.url(""), header)
	require.NoError(t, err)
	defer conn.Close()

	expectEvent(t, conn, EventConnected, nil)
	assert.Equal(t, 1, h.registry.ConnectionCount())
}

func TestConnectRegistersConnection(t *testing.T) {
	h := newHarness(t)
	_, id := h.connect(t)

	c, ok := h.registry.Connection(id)
	require.True(t, ok)
	assert.Equal(t, "web", c.Platform)
	assert.Equal(t, "user-1", c.Subject)
	assert.Equal(t, "websocket", c.Transport)

	ev := <-h.events.Events()
	assert.Equal(t, events.ConnectionOpened, ev.Type())
}

func TestCallStartEstablishesSession(t *testing.T) {
	h := newHarness(t)
	conn, id := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": SignalCallStart, "sessionId": "s1", "timestamp": 1700000000})

	var status CallStatusData
	expectEvent(t, conn, EventCallStatus, &status)
	assert.Equal(t, StatusConnecting, status.Status)

	var est CallEstablishedData
	expectEvent(t, conn, EventCallEstablished, &est)
	assert.Equal(t, "s1", est.SessionID)

	sess, ok := h.registry.Session("s1")
	require.True(t, ok)
	assert.Equal(t, []string{id}, sess.Participants)
	assert.Equal(t, 1, h.registry.Stats().ActiveCalls)
}

func TestCallStartGeneratesSessionID(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": SignalCallStart})
	expectEvent(t, conn, EventCallStatus, nil)

	var est CallEstablishedData
	expectEvent(t, conn, EventCallEstablished, &est)
	assert.NotEmpty(t, est.SessionID)
	_, ok := h.registry.Session(est.SessionID)
	assert.True(t, ok)
}

func TestCallStartLookupFailureCreatesNoSession(t *testing.T) {
	for name, lookupErr := range map[string]error{
		"transient": errors.New("redis down"),
		"not found": widget.ErrNotFound,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.widgets.err = lookupErr
			conn, _ := h.connect(t)

			sendSignal(t, conn, map[string]any{"type": SignalCallStart, "widgetId": "w1", "sessionId": "s1"})
			expectEvent(t, conn, EventCallStatus, nil)

			var status CallStatusData
			expectEvent(t, conn, EventCallStatus, &status)
			assert.Equal(t, StatusError, status.Status)

			stats := h.registry.Stats()
			assert.Equal(t, 0, stats.ActiveCalls)
			assert.Equal(t, int64(0), stats.TotalCalls)
		})
	}
}

func TestCallStartAssistantConfig(t *testing.T) {
	h := newHarness(t)
	h.widgets.widgets["w1"] = &widget.Widget{
		ID:   "w1",
		Type: dialplan.RouteAIBot,
		Settings: widget.Settings{
			AssistantPublicKey: "pk_live",
			AssistantID:        "asst_1",
			AssistantName:      "Receptionist",
		},
	}
	conn, _ := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": SignalCallStart, "widgetId": "w1"})
	expectEvent(t, conn, EventCallStatus, nil)

	var cfg AssistantConfigData
	expectEvent(t, conn, EventAssistantConfig, &cfg)
	assert.Equal(t, "pk_live", cfg.PublicKey)
	assert.Equal(t, "asst_1", cfg.AssistantID)

	var est CallEstablishedData
	expectEvent(t, conn, EventCallEstablished, &est)
	assert.Equal(t, "w1", est.WidgetID)
	assert.Equal(t, string(dialplan.RouteAIBot), est.Route)
}

func TestCallEndNotifiesAllParticipants(t *testing.T) {
	h := newHarness(t)
	caller, callerID := h.connect(t)
	agent, agentID := h.connect(t)

	sendSignal(t, caller, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, caller, EventCallStatus, nil)
	expectEvent(t, caller, EventCallEstablished, nil)

	sendSignal(t, agent, map[string]any{"type": SignalCallAnswer, "sessionId": "s1"})
	var est CallEstablishedData
	expectEvent(t, agent, EventCallEstablished, &est)
	assert.Equal(t, []string{callerID, agentID}, est.Participants)
	expectEvent(t, caller, EventCallEstablished, nil)

	sendSignal(t, caller, map[string]any{"type": SignalCallEnd})
	var ended CallEndedData
	expectEvent(t, agent, EventCallEnded, &ended)
	assert.Equal(t, "s1", ended.SessionID)
	assert.Equal(t, callerID, ended.EndedBy)
	expectEvent(t, caller, EventCallEnded, nil)

	assert.Equal(t, 0, h.registry.Stats().ActiveCalls)
}

// drainEvents returns the events published so far without blocking.
func drainEvents(h *harness) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.events.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents(evs []events.Event, typ events.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func TestRepeatedCallAnswerPublishesOnce(t *testing.T) {
	h := newHarness(t)
	caller, _ := h.connect(t)
	agent, _ := h.connect(t)

	sendSignal(t, caller, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, caller, EventCallStatus, nil)
	expectEvent(t, caller, EventCallEstablished, nil)

	for i := 0; i < 2; i++ {
		sendSignal(t, agent, map[string]any{"type": SignalCallAnswer, "sessionId": "s1"})
		expectEvent(t, agent, EventCallEstablished, nil)
		expectEvent(t, caller, EventCallEstablished, nil)
	}
	sendSignal(t, caller, map[string]any{"type": SignalCallAnswer, "sessionId": "s1"})
	var est CallEstablishedData
	expectEvent(t, caller, EventCallEstablished, &est)
	expectEvent(t, agent, EventCallEstablished, nil)
	assert.Len(t, est.Participants, 2)

	assert.Equal(t, 1, countEvents(drainEvents(h), events.CallAnswered))
}

func TestCallRejectEndsSession(t *testing.T) {
	h := newHarness(t)
	caller, _ := h.connect(t)
	agent, agentID := h.connect(t)

	sendSignal(t, caller, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, caller, EventCallStatus, nil)
	expectEvent(t, caller, EventCallEstablished, nil)

	sendSignal(t, agent, map[string]any{"type": SignalCallReject, "sessionId": "s1"})

	for _, conn := range []*websocket.Conn{caller, agent} {
		var ended CallEndedData
		expectEvent(t, conn, EventCallEnded, &ended)
		assert.Equal(t, "s1", ended.SessionID)
		assert.Equal(t, agentID, ended.EndedBy)
		assert.Equal(t, "rejected", ended.Reason)
	}
	assert.Equal(t, 0, h.registry.Stats().ActiveCalls)

	var endedEv *events.CallEndedEvent
	for _, ev := range drainEvents(h) {
		if e, ok := ev.(*events.CallEndedEvent); ok {
			endedEv = e
		}
	}
	require.NotNil(t, endedEv)
	assert.Equal(t, events.EndReasonRejected, endedEv.Reason)
	assert.Equal(t, agentID, endedEv.EndedBy)
}

func TestCallRejectOfUnknownSessionIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": SignalCallReject, "sessionId": "gone"})
	var ended CallEndedData
	expectEvent(t, conn, EventCallEnded, &ended)
	assert.Equal(t, "gone", ended.SessionID)
	assert.Equal(t, "rejected", ended.Reason)

	sendSignal(t, conn, map[string]any{"type": SignalCallReject})
	var status CallStatusData
	expectEvent(t, conn, EventCallStatus, &status)
	assert.Equal(t, StatusError, status.Status)
}

func TestRedundantCallEndIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, conn, EventCallStatus, nil)
	expectEvent(t, conn, EventCallEstablished, nil)

	for i := 0; i < 2; i++ {
		sendSignal(t, conn, map[string]any{"type": SignalCallEnd, "sessionId": "s1"})
		var ended CallEndedData
		expectEvent(t, conn, EventCallEnded, &ended)
		assert.Equal(t, "s1", ended.SessionID)
	}
	assert.Equal(t, 0, h.registry.Stats().ActiveCalls)
	assert.Equal(t, int64(1), h.registry.Stats().TotalCalls)
}

func TestCallEndFromNonParticipantIsRejected(t *testing.T) {
	h := newHarness(t)
	caller, _ := h.connect(t)
	other, _ := h.connect(t)

	sendSignal(t, caller, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, caller, EventCallStatus, nil)
	expectEvent(t, caller, EventCallEstablished, nil)

	sendSignal(t, other, map[string]any{"type": SignalCallEnd, "sessionId": "s1"})
	var status CallStatusData
	expectEvent(t, other, EventCallStatus, &status)
	assert.Equal(t, StatusError, status.Status)

	_, ok := h.registry.Session("s1")
	assert.True(t, ok)
}

func TestDisconnectEndsSoleParticipantSession(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, conn, EventCallStatus, nil)
	expectEvent(t, conn, EventCallEstablished, nil)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		stats := h.registry.Stats()
		return stats.ActiveConnections == 0 && stats.ActiveCalls == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectNotifiesRemainingParticipant(t *testing.T) {
	h := newHarness(t)
	caller, callerID := h.connect(t)
	agent, _ := h.connect(t)

	sendSignal(t, caller, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, caller, EventCallStatus, nil)
	expectEvent(t, caller, EventCallEstablished, nil)
	sendSignal(t, agent, map[string]any{"type": SignalCallAnswer, "sessionId": "s1"})
	expectEvent(t, agent, EventCallEstablished, nil)

	require.NoError(t, caller.Close())

	var left ParticipantLeftData
	expectEvent(t, agent, EventParticipantLeft, &left)
	assert.Equal(t, "s1", left.SessionID)
	assert.Equal(t, callerID, left.ConnectionID)
	assert.Equal(t, 1, h.registry.Stats().ActiveCalls)
}

func TestGenericSignalIsRelayedWithSender(t *testing.T) {
	h := newHarness(t)
	alice, aliceID := h.connect(t)
	bob, _ := h.connect(t)

	sendSignal(t, alice, map[string]any{"type": "offer", "sdp": "v=0"})

	var relayed map[string]any
	expectEvent(t, bob, EventSignal, &relayed)
	assert.Equal(t, "offer", relayed["type"])
	assert.Equal(t, "v=0", relayed["sdp"])
	assert.Equal(t, aliceID, relayed["from"])
}

func TestDispatcherSlots(t *testing.T) {
	noop := func(context.Context, Request) []Delivery { return nil }
	marked := func(context.Context, Request) []Delivery {
		return []Delivery{To(Message{Event: "marked"}, "c1")}
	}

	tests := []struct {
		name string
		run  func(t *testing.T, d *Dispatcher)
	}{
		{
			name: "duplicate register fails",
			run: func(t *testing.T, d *Dispatcher) {
				require.NoError(t, d.Register("offer", noop))
				err := d.Register("offer", marked)
				assert.True(t, errors.Is(err, ErrHandlerExists))

				h, ok := d.Lookup("offer")
				require.True(t, ok)
				assert.Empty(t, h(context.Background(), Request{}))
			},
		},
		{
			name: "register rejects empty slot",
			run: func(t *testing.T, d *Dispatcher) {
				assert.ErrorIs(t, d.Register("", noop), ErrInvalidSignalType)
				assert.ErrorIs(t, d.Register("offer", nil), ErrInvalidSignalType)
			},
		},
		{
			name: "replace returns displaced handler",
			run: func(t *testing.T, d *Dispatcher) {
				require.NoError(t, d.Register("offer", marked))
				prev, err := d.Replace("offer", noop)
				require.NoError(t, err)
				require.NotNil(t, prev)
				assert.Len(t, prev(context.Background(), Request{}), 1)

				h, ok := d.Lookup("offer")
				require.True(t, ok)
				assert.Empty(t, h(context.Background(), Request{}))
			},
		},
		{
			name: "replace on empty slot installs",
			run: func(t *testing.T, d *Dispatcher) {
				prev, err := d.Replace("answer", noop)
				require.NoError(t, err)
				assert.Nil(t, prev)
				_, ok := d.Lookup("answer")
				assert.True(t, ok)
			},
		},
		{
			name: "remove clears once",
			run: func(t *testing.T, d *Dispatcher) {
				require.NoError(t, d.Register("offer", noop))
				assert.True(t, d.Remove("offer"))
				assert.False(t, d.Remove("offer"))
				_, ok := d.Lookup("offer")
				assert.False(t, ok)
				assert.NoError(t, d.Register("offer", noop))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, NewDispatcher())
		})
	}
}

func TestRemovedCallStartFallsBackToRelay(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.relay.Dispatcher().Remove(SignalCallStart))
	alice, aliceID := h.connect(t)
	bob, _ := h.connect(t)

	sendSignal(t, alice, map[string]any{"type": SignalCallStart, "sessionId": "s1"})

	var relayed map[string]any
	expectEvent(t, bob, EventSignal, &relayed)
	assert.Equal(t, SignalCallStart, relayed["type"])
	assert.Equal(t, aliceID, relayed["from"])
	assert.Equal(t, 0, h.registry.Stats().ActiveCalls)
}

func TestMalformedAndUnknownFramesAreIgnored(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "presence", "data": map[string]any{"x": 1}}))
	sendSignal(t, conn, map[string]any{"widgetId": "w1"})

	sendSignal(t, conn, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	var status CallStatusData
	expectEvent(t, conn, EventCallStatus, &status)
	assert.Equal(t, StatusConnecting, status.Status)
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.relay.Dispatcher().Register("boom", func(context.Context, Request) []Delivery {
		panic("handler bug")
	}))
	conn, _ := h.connect(t)

	sendSignal(t, conn, map[string]any{"type": "boom"})
	var status CallStatusData
	expectEvent(t, conn, EventCallStatus, &status)
	assert.Equal(t, StatusError, status.Status)

	sendSignal(t, conn, map[string]any{"type": SignalCallStart, "sessionId": "s1"})
	expectEvent(t, conn, EventCallStatus, nil)
	expectEvent(t, conn, EventCallEstablished, nil)
}

func TestInterleavedCallsLeaveNoSessions(t *testing.T) {
	h := newHarness(t)
	const perConn = 25

	var wg sync.WaitGroup
	for c := 0; c < 2; c++ {
		conn, _ := h.connect(t)

		// Drain replies so the send buffer never fills.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perConn; i++ {
				id := fmt.Sprintf("s-%d-%d", c, i)
				start := map[string]any{"event": EventSignal, "data": map[string]any{"type": SignalCallStart, "sessionId": id}}
				end := map[string]any{"event": EventSignal, "data": map[string]any{"type": SignalCallEnd, "sessionId": id}}
				if err := conn.WriteJSON(start); err != nil {
					t.Error(err)
					return
				}
				if err := conn.WriteJSON(end); err != nil {
					t.Error(err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		stats := h.registry.Stats()
		return stats.TotalCalls == 2*perConn && stats.ActiveCalls == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.registry.SessionCount())
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.relay.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, h.registry.ConnectionCount())
	assert.Equal(t, 0, h.relay.ActiveConnections())
}
