package schema

import "time"

// TabID identifies a browser page target.
type TabID string

// ScriptName is the normalized, filesystem-safe key of a stored script.
type ScriptName string

// RequestID correlates a response with the request that caused it.
type RequestID string

// Endpoint is the address of an external evaluation server (ws:// or wss://).
type Endpoint string

// RunAt is the page lifecycle stage a script is injected at.
type RunAt string

const (
	// RunAtDocumentStart injects before the page's own scripts run.
	RunAtDocumentStart RunAt = "document-start"
	// RunAtDocumentEnd injects once the DOM is parsed.
	RunAtDocumentEnd RunAt = "document-end"
	// RunAtDocumentIdle injects after the page finished loading.
	RunAtDocumentIdle RunAt = "document-idle"
)

// Script is a stored userscript.
type Script struct {
	Name        ScriptName
	Code        string
	Enabled     bool
	Matches     []string
	RunAt       RunAt
	Description string
	Inject      []string
	Builtin     bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// ManualOnly reports whether the script has no auto-injection patterns.
func (s Script) ManualOnly() bool {
	return len(s.Matches) == 0
}

// ScriptInfo is the listing view of a script.
type ScriptInfo struct {
	Name        ScriptName `json:"name"`
	Modified    time.Time  `json:"modified"`
	Created     time.Time  `json:"created"`
	Match       []string   `json:"match"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description,omitempty"`
	RunAt       RunAt      `json:"runAt,omitempty"`
	Inject      []string   `json:"inject,omitempty"`
	Builtin     bool       `json:"builtin,omitempty"`
}

// Info returns the listing view of the script.
func (s Script) Info() ScriptInfo {
	match := s.Matches
	if match == nil {
		match = []string{}
	}
	return ScriptInfo{
		Name:        s.Name,
		Modified:    s.ModifiedAt,
		Created:     s.CreatedAt,
		Match:       match,
		Enabled:     s.Enabled,
		Description: s.Description,
		RunAt:       s.RunAt,
		Inject:      s.Inject,
		Builtin:     s.Builtin,
	}
}

// Settings is the persisted settings record.
type Settings struct {
	RemoteMutationEnabled bool                `json:"remote_mutation_enabled"`
	AutoReconnect         bool                `json:"auto_reconnect"`
	Endpoints             map[string]Endpoint `json:"endpoints,omitempty"`
}

// EndpointForHost returns the last endpoint used for host.
func (s Settings) EndpointForHost(host string) (Endpoint, bool) {
	if s.Endpoints == nil || host == "" {
		return "", false
	}
	endpoint, ok := s.Endpoints[host]
	return endpoint, ok && endpoint != ""
}
