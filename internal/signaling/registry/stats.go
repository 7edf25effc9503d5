package registry

import "time"

// counters holds the monotonic totals. Active counts are derived from the
// registry maps so they can never drift or go negative.
type counters struct {
	totalConnections  int64
	totalCalls        int64
	lastConnection    time.Time
	lastDisconnection time.Time
	startTime         time.Time
}

// ServerStats is a point-in-time view of the relay counters.
type ServerStats struct {
	TotalConnections  int64
	ActiveConnections int
	TotalCalls        int64
	ActiveCalls       int
	LastConnection    time.Time
	LastDisconnection time.Time
	StartTime         time.Time
	Uptime            time.Duration
}

// Stats returns a consistent snapshot of the counters.
func (r *Registry) Stats() ServerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ServerStats{
		TotalConnections:  r.stats.totalConnections,
		ActiveConnections: len(r.connections),
		TotalCalls:        r.stats.totalCalls,
		ActiveCalls:       len(r.sessions),
		LastConnection:    r.stats.lastConnection,
		LastDisconnection: r.stats.lastDisconnection,
		StartTime:         r.stats.startTime,
		Uptime:            r.now().Sub(r.stats.startTime),
	}
}
