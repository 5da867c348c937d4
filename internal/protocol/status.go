// Package protocol defines the wire format of the relay's HTTP surface.
//
// A request carrying "Upgrade: websocket" and a TargetParam query parameter
// is relayed to the target; any other request receives a StatusDocument.
package protocol

import "time"

// TargetParam is the query parameter holding the target WebSocket URL.
const TargetParam = "url"

// Response bodies for rejected upgrade requests.
const (
	MsgMissingTarget    = "Missing target URL"
	MsgInvalidTarget    = "Invalid WebSocket URL"
	MsgTooManySessions  = "Too many active sessions"
	MsgShuttingDown     = "Relay shutting down"
	MsgConnectFailedFmt = "Connection failed: %s"
	MsgServerErrorFmt   = "Server error: %s"
)

// StatusDocument is returned for every non-upgrade request.
type StatusDocument struct {
	// Status is always "running".
	Status string `json:"status"`

	Name    string `json:"name"`
	Version string `json:"version"`

	// Timestamp is the time the document was produced, in RFC 3339.
	Timestamp string `json:"timestamp"`

	Endpoints Endpoints `json:"endpoints"`
}

// Endpoints describes how to use the relay.
type Endpoints struct {
	// WebSocket is a usage hint for the upgrade endpoint.
	WebSocket string `json:"websocket"`
}

// NewStatusDocument returns the status document for the given build.
func NewStatusDocument(name, version string, now time.Time) StatusDocument {
	return StatusDocument{
		Status:    "running",
		Name:      name,
		Version:   version,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Endpoints: Endpoints{
			WebSocket: "Connect with a WebSocket upgrade and ?" + TargetParam + "=wss://target.example/path",
		},
	}
}
