package schema

import "encoding/json"

// Source tags the sender class of an envelope.
type Source string

const (
	// SourcePage marks envelopes posted by content running in a page.
	SourcePage Source = "scriptbridge-page"
	// SourcePanel marks envelopes from the developer panel UI.
	SourcePanel Source = "scriptbridge-panel"
	// SourcePopup marks envelopes from the popup UI and the CLI.
	SourcePopup Source = "scriptbridge-popup"
	// SourceEval marks envelopes relayed from the external evaluation tool.
	SourceEval Source = "scriptbridge-eval"
	// SourceRouter marks responses and pushes produced by the router.
	SourceRouter Source = "scriptbridge-router"
)

// Sources lists every source tag in the closed set.
var Sources = []Source{SourcePage, SourcePanel, SourcePopup, SourceEval, SourceRouter}

// Valid reports whether s is one of the known source tags.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// MessageType names an operation carried by an envelope.
type MessageType string

// Operation types understood by the router.
const (
	TypePing                   MessageType = "ping"
	TypeListScripts            MessageType = "list-scripts"
	TypeGetScript              MessageType = "get-script"
	TypeSaveScript             MessageType = "save-script"
	TypeQueueSaveScript        MessageType = "queue-save-script"
	TypeRenameScript           MessageType = "rename-script"
	TypeQueueRenameScript      MessageType = "queue-rename-script"
	TypeDeleteScript           MessageType = "delete-script"
	TypeQueueDeleteScript      MessageType = "queue-delete-script"
	TypeCheckScriptExists      MessageType = "check-script-exists"
	TypeWebInstallerSaveScript MessageType = "web-installer-save-script"
	TypeToggleScript           MessageType = "toggle-script"
	TypeScriptsForURL          MessageType = "scripts-for-url"
	TypeEvaluateScript         MessageType = "evaluate-script"
	TypeConnectTab             MessageType = "connect-tab"
	TypeDisconnectTab          MessageType = "disconnect-tab"
	TypeSetAutoReconnect       MessageType = "set-auto-reconnect"
	TypeListConnections        MessageType = "list-connections"
	TypeListPending            MessageType = "list-pending"
	TypeConfirmPending         MessageType = "confirm-pending"
	TypeDiscardPending         MessageType = "discard-pending"
	TypeGetSettings            MessageType = "get-settings"
	TypeUpdateSettings         MessageType = "update-settings"

	// TypeConnectionStatus is pushed by the router on connection changes.
	TypeConnectionStatus MessageType = "connection-status"
	// TypeEvalResult carries the page runtime's reply to an evaluation.
	TypeEvalResult MessageType = "eval-result"
)

// ResponseType returns the response type for a request type.
func ResponseType(t MessageType) MessageType {
	return t + "-response"
}

// Envelope is the message frame exchanged on both channels.
type Envelope struct {
	Source    Source          `json:"source"`
	Type      MessageType     `json:"type"`
	RequestID RequestID       `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the envelope payload into dst. A missing payload
// leaves dst untouched.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return ErrInvalidRequest
	}
	return nil
}
