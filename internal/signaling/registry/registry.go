// Package registry tracks live signaling connections, in-progress call
// sessions and the server counters derived from them.
//
// Every mutation and the counter update it causes happen under one lock, so
// a stats snapshot always agrees with the registry contents at some instant.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// Connection is a live client signaling channel.
type Connection struct {
	ID          string
	Transport   string
	RemoteAddr  string
	Origin      string
	Platform    string
	Subject     string
	ConnectedAt time.Time
}

// CallSession is a logical call tracked by the relay. It exists only while
// at least one participant connection is live.
type CallSession struct {
	ID           string
	StartedAt    time.Time
	Participants []string
	WidgetID     string
}

// HasParticipant reports whether connID takes part in the session.
func (s CallSession) HasParticipant(connID string) bool {
	return slices.Contains(s.Participants, connID)
}

// Affected describes what a connection removal did to one session.
type Affected struct {
	Session CallSession
	// Ended is true when the session was deleted because no participants remain.
	Ended bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for registry diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// Registry is the single owner of connection and session state.
type Registry struct {
	mu sync.Mutex

	connections map[string]*Connection
	sessions    map[string]*CallSession
	// byConn indexes session IDs by participant connection ID.
	byConn map[string]map[string]struct{}

	stats counters
	now   func() time.Time
	log   *slog.Logger
}

// New creates an empty registry. The stats start time is taken at construction.
func New(opts ...Option) *Registry {
	r := &Registry{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]*CallSession),
		byConn:      make(map[string]map[string]struct{}),
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stats.startTime = r.now()
	return r
}

// RegisterConnection records a new live connection.
// A duplicate ID is rejected and the existing entry is kept.
func (r *Registry) RegisterConnection(c Connection) error {
	if c.ID == "" {
		return ErrEmptyID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.ID)
	}

	now := r.now()
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}
	r.connections[c.ID] = &c
	r.stats.totalConnections++
	r.stats.lastConnection = now

	r.log.Debug("[Registry] Connection registered", "conn_id", c.ID, "active", len(r.connections))
	return nil
}

// RemoveConnection deletes a connection and detaches it from every session it
// participates in. Sessions left without participants are deleted and
// reported with Ended set. Removing an unknown ID is a no-op.
func (r *Registry) RemoveConnection(connID string) []Affected {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connID]; !exists {
		return nil
	}
	delete(r.connections, connID)
	r.stats.lastDisconnection = r.now()

	sessionIDs := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		sessionIDs = append(sessionIDs, id)
	}
	delete(r.byConn, connID)
	sort.Strings(sessionIDs)

	var affected []Affected
	for _, id := range sessionIDs {
		sess, ok := r.sessions[id]
		if !ok {
			continue
		}
		sess.Participants = slices.DeleteFunc(sess.Participants, func(p string) bool { return p == connID })
		if len(sess.Participants) == 0 {
			delete(r.sessions, id)
			affected = append(affected, Affected{Session: copySession(sess), Ended: true})
			continue
		}
		affected = append(affected, Affected{Session: copySession(sess)})
	}

	r.log.Debug("[Registry] Connection removed",
		"conn_id", connID, "active", len(r.connections), "sessions_affected", len(affected))
	return affected
}

// StartSession creates a session with connID as its first participant.
// It fails with ErrConnectionNotFound when the initiating connection is no
// longer registered, so a call-start racing a disconnect cannot leave an
// orphaned session behind.
func (r *Registry) StartSession(sessionID, connID, widgetID string) (CallSession, error) {
	if sessionID == "" || connID == "" {
		return CallSession{}, ErrEmptyID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return CallSession{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	if _, exists := r.connections[connID]; !exists {
		return CallSession{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	sess := &CallSession{
		ID:           sessionID,
		StartedAt:    r.now(),
		Participants: []string{connID},
		WidgetID:     widgetID,
	}
	r.sessions[sessionID] = sess
	r.index(connID, sessionID)
	r.stats.totalCalls++

	return copySession(sess), nil
}

// JoinSession adds connID as a participant. Joining twice is a no-op; the
// second return reports whether connID was newly added.
func (r *Registry) JoinSession(sessionID, connID string) (CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return CallSession{}, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if _, exists := r.connections[connID]; !exists {
		return CallSession{}, false, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	if sess.HasParticipant(connID) {
		return copySession(sess), false, nil
	}
	sess.Participants = append(sess.Participants, connID)
	r.index(connID, sessionID)
	return copySession(sess), true, nil
}

// EndSession removes a session. The second return is false when the session
// was already gone, in which case no counter changes.
func (r *Registry) EndSession(sessionID string) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return CallSession{}, false
	}
	delete(r.sessions, sessionID)
	for _, p := range sess.Participants {
		if idx := r.byConn[p]; idx != nil {
			delete(idx, sessionID)
			if len(idx) == 0 {
				delete(r.byConn, p)
			}
		}
	}
	return copySession(sess), true
}

// Session returns a copy of the session.
func (r *Registry) Session(sessionID string) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return CallSession{}, false
	}
	return copySession(sess), true
}

// Sessions returns copies of all active sessions ordered by start time.
func (r *Registry) Sessions() []CallSession {
	r.mu.Lock()
	out := make([]CallSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, copySession(sess))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// SessionsFor returns the sessions connID participates in, ordered by ID.
func (r *Registry) SessionsFor(connID string) []CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]CallSession, 0, len(ids))
	for _, id := range ids {
		if sess, ok := r.sessions[id]; ok {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// Connection returns a copy of the connection record.
func (r *Registry) Connection(connID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// SessionCount returns the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// index must be called with mu held.
func (r *Registry) index(connID, sessionID string) {
	idx := r.byConn[connID]
	if idx == nil {
		idx = make(map[string]struct{})
		r.byConn[connID] = idx
	}
	idx[sessionID] = struct{}{}
}

func copySession(s *CallSession) CallSession {
	out := *s
	out.Participants = slices.Clone(s.Participants)
	return out
}
