package bridgeclient

import (
	"context"

	"pkt.systems/scriptbridge/schema"
)

// Script is a stored script with its code.
type Script struct {
	schema.ScriptInfo
	Code string `json:"code"`
}

// SaveResult is the outcome of a single save.
type SaveResult struct {
	Name                schema.ScriptName `json:"name"`
	NewlyCreated        bool              `json:"newlyCreated"`
	PendingConfirmation bool              `json:"pendingConfirmation"`
}

// ItemResult is one item of a bulk response.
type ItemResult struct {
	Success             bool              `json:"success"`
	Error               string            `json:"error,omitempty"`
	NotFound            bool              `json:"notFound,omitempty"`
	Name                schema.ScriptName `json:"name,omitempty"`
	To                  schema.ScriptName `json:"to,omitempty"`
	NewlyCreated        bool              `json:"newlyCreated,omitempty"`
	PendingConfirmation bool              `json:"pendingConfirmation"`
}

// BulkResult maps each bulk target to its outcome.
type BulkResult struct {
	BulkID  string                `json:"bulkId"`
	Results map[string]ItemResult `json:"results"`
	Missing []schema.ScriptName   `json:"missing,omitempty"`
}

// RenamePair is one bulk rename.
type RenamePair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, schema.TypePing, nil, nil)
}

// ListScripts lists stored scripts.
func (c *Client) ListScripts(ctx context.Context, includeHidden bool) ([]schema.ScriptInfo, error) {
	var out struct {
		Scripts []schema.ScriptInfo `json:"scripts"`
	}
	err := c.Call(ctx, schema.TypeListScripts, map[string]bool{"includeHidden": includeHidden}, &out)
	return out.Scripts, err
}

// GetScript fetches one script.
func (c *Client) GetScript(ctx context.Context, name string) (Script, error) {
	var out Script
	err := c.Call(ctx, schema.TypeGetScript, map[string]string{"name": name}, &out)
	return out, err
}

// SaveScript saves code under its manifest name.
func (c *Client) SaveScript(ctx context.Context, code string, force bool) (SaveResult, error) {
	var out SaveResult
	err := c.Call(ctx, schema.TypeSaveScript, map[string]any{"code": code, "force": force}, &out)
	return out, err
}

// SaveScripts saves several scripts independently.
func (c *Client) SaveScripts(ctx context.Context, codes []string, force bool) (BulkResult, error) {
	var out BulkResult
	err := c.Call(ctx, schema.TypeSaveScript, map[string]any{"codes": codes, "force": force}, &out)
	return out, err
}

// RenameScripts renames one or more scripts. Per-item outcomes are returned
// even when some sources are missing.
func (c *Client) RenameScripts(ctx context.Context, pairs []RenamePair, force bool) (BulkResult, error) {
	var out BulkResult
	err := c.Call(ctx, schema.TypeRenameScript, map[string]any{"renames": pairs, "force": force}, &out)
	return out, err
}

// DeleteScripts deletes one or more scripts.
func (c *Client) DeleteScripts(ctx context.Context, names []string, force bool) (BulkResult, error) {
	var out BulkResult
	err := c.Call(ctx, schema.TypeDeleteScript, map[string]any{"names": names, "force": force}, &out)
	return out, err
}

// ListConnections lists every known tab.
func (c *Client) ListConnections(ctx context.Context) ([]schema.ConnectionSnapshot, error) {
	var out struct {
		Connections []schema.ConnectionSnapshot `json:"connections"`
	}
	err := c.Call(ctx, schema.TypeListConnections, nil, &out)
	return out.Connections, err
}

// Connect connects a tab; an empty endpoint uses the remembered or default one.
func (c *Client) Connect(ctx context.Context, tab schema.TabID, endpoint schema.Endpoint) (schema.ConnectionSnapshot, error) {
	var out schema.ConnectionSnapshot
	err := c.Call(ctx, schema.TypeConnectTab, map[string]any{"tabId": tab, "endpoint": endpoint}, &out)
	return out, err
}

// Disconnect closes a tab's connection.
func (c *Client) Disconnect(ctx context.Context, tab schema.TabID) (schema.ConnectionSnapshot, error) {
	var out schema.ConnectionSnapshot
	err := c.Call(ctx, schema.TypeDisconnectTab, map[string]any{"tabId": tab}, &out)
	return out, err
}
