// Package types defines the JSON shapes served by the signaling HTTP API.
package types

// RootResponse is the response from /
type RootResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Version string `json:"version"`
}

// HealthResponse is the response from /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// StatsResponse is the response from /api/stats
type StatsResponse struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int    `json:"active_connections"`
	TotalCalls        int64  `json:"total_calls"`
	ActiveCalls       int    `json:"active_calls"`
	LastConnection    string `json:"last_connection,omitempty"`
	LastDisconnection string `json:"last_disconnection,omitempty"`
	StartTime         string `json:"start_time"`
	Uptime            int64  `json:"uptime"`
	Environment       string `json:"environment"`
	NodeID            string `json:"node_id,omitempty"`
}

// Session represents an active call session
type Session struct {
	SessionID    string   `json:"session_id"`
	WidgetID     string   `json:"widget_id,omitempty"`
	Participants []string `json:"participants"`
	StartedAt    string   `json:"started_at"`
	Duration     int      `json:"duration"`
}

// ErrorResponse is returned with non-2xx JSON responses
type ErrorResponse struct {
	Error string `json:"error"`
}
