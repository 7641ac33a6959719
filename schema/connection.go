package schema

import "time"

// ConnectionStatus is the state of a tab's link to an evaluation server.
type ConnectionStatus string

const (
	// StatusDisconnected is the initial state.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting means a connect attempt is in flight.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected means the transport is open and relaying.
	StatusConnected ConnectionStatus = "connected"
	// StatusFailed means the last attempt failed; see FailureCause.
	StatusFailed ConnectionStatus = "failed"
)

// Idle reports whether a connect attempt may start from this status.
func (s ConnectionStatus) Idle() bool {
	return s == StatusDisconnected || s == StatusFailed || s == ""
}

// FailureCause explains a failed connect attempt.
type FailureCause string

const (
	// CauseExecutionBlocked means the page forbids dynamic code execution.
	CauseExecutionBlocked FailureCause = "execution-blocked"
	// CauseTransportRefused means the evaluation server could not be reached.
	CauseTransportRefused FailureCause = "transport-refused"
	// CauseTimeout means the page runtime never signalled readiness.
	CauseTimeout FailureCause = "timeout"
)

// ConnectionSnapshot is a read-only view of one tab's connection state.
type ConnectionSnapshot struct {
	TabID         TabID            `json:"tabId"`
	Status        ConnectionStatus `json:"status"`
	Endpoint      Endpoint         `json:"endpoint,omitempty"`
	AutoReconnect bool             `json:"autoReconnect"`
	LastFailure   FailureCause     `json:"lastFailure,omitempty"`
	URL           string           `json:"url,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ConnectionEvent is published on every status change. Removed is set when
// the tab closed and its state was discarded.
type ConnectionEvent struct {
	Snapshot ConnectionSnapshot
	Removed  bool
}

// TabContext describes the tab an envelope originated from. It is filled in
// by the channel, never from the payload.
type TabContext struct {
	ID   TabID
	URL  string
	Host string
}
