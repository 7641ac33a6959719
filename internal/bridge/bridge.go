// Package bridge binds the operations of the script bridge to the router.
//
// Each handler decodes its payload, derives the mutation origin from the
// channel the envelope arrived on and delegates to the store, the mutation
// protocol, the connection manager or the browser.
package bridge

import (
	"context"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/metrics"
	"pkt.systems/scriptbridge/internal/mutation"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

// DefaultInstallerHosts is the web installer whitelist when none is configured.
var DefaultInstallerHosts = []string{"localhost", "127.0.0.1", "::1"}

// Scripts is the read side of the script store.
type Scripts interface {
	List(ctx context.Context, includeHidden bool) ([]schema.Script, error)
	Get(ctx context.Context, name schema.ScriptName) (schema.Script, error)
	SetEnabled(ctx context.Context, name schema.ScriptName, enabled bool) (schema.Script, error)
}

// Connections drives per-tab connections.
type Connections interface {
	Connect(ctx context.Context, id schema.TabID, endpoint schema.Endpoint) (schema.ConnectionSnapshot, error)
	Disconnect(id schema.TabID) (schema.ConnectionSnapshot, error)
	SetAutoReconnect(id schema.TabID, enabled bool) (schema.ConnectionSnapshot, error)
	List() []schema.ConnectionSnapshot
}

// Tabs reaches live browser tabs.
type Tabs interface {
	Tabs() []schema.TabContext
	RunScript(ctx context.Context, id schema.TabID, script schema.Script) error
}

// Settings is the persisted settings record.
type Settings interface {
	Get() schema.Settings
	Update(fn func(*schema.Settings)) (schema.Settings, error)
}

// Config holds operator policy.
type Config struct {
	InstallerHosts []string
}

// Deps wires the handlers.
type Deps struct {
	Scripts     Scripts
	Mutations   *mutation.Protocol
	Connections Connections
	Tabs        Tabs
	Settings    Settings
	Metrics     *metrics.Metrics
	Logger      pslog.Logger
}

// Bridge owns the handler table.
type Bridge struct {
	deps           Deps
	log            pslog.Logger
	installerHosts map[string]bool
}

// New constructs a Bridge.
func New(cfg Config, deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	hosts := cfg.InstallerHosts
	if len(hosts) == 0 {
		hosts = DefaultInstallerHosts
	}
	allowed := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]"))
		if host != "" {
			allowed[host] = true
		}
	}
	return &Bridge{deps: deps, log: logger, installerHosts: allowed}
}

var (
	everyone   = []schema.Source{schema.SourcePage, schema.SourcePanel, schema.SourcePopup, schema.SourceEval}
	privileged = []schema.Source{schema.SourcePanel, schema.SourcePopup, schema.SourceEval}
	localUI    = []schema.Source{schema.SourcePanel, schema.SourcePopup}
	installers = []schema.Source{schema.SourcePage, schema.SourcePanel, schema.SourcePopup}
	pageOnly   = []schema.Source{schema.SourcePage}
)

// Routes returns the dispatch table entries.
func (b *Bridge) Routes() []router.Route {
	return []router.Route{
		{Type: schema.TypePing, Sources: everyone, Handler: b.ping},

		{Type: schema.TypeListScripts, Sources: privileged, Handler: b.listScripts},
		{Type: schema.TypeGetScript, Sources: privileged, Handler: b.getScript},
		{Type: schema.TypeSaveScript, Sources: privileged, Handler: b.saveScript(false)},
		{Type: schema.TypeQueueSaveScript, Sources: privileged, Handler: b.saveScript(true)},
		{Type: schema.TypeRenameScript, Sources: privileged, Handler: b.renameScript(false)},
		{Type: schema.TypeQueueRenameScript, Sources: privileged, Handler: b.renameScript(true)},
		{Type: schema.TypeDeleteScript, Sources: privileged, Handler: b.deleteScript(false)},
		{Type: schema.TypeQueueDeleteScript, Sources: privileged, Handler: b.deleteScript(true)},

		{Type: schema.TypeCheckScriptExists, Sources: installers, Handler: b.checkScriptExists},
		{Type: schema.TypeWebInstallerSaveScript, Sources: pageOnly, Handler: b.webInstallerSave},

		{Type: schema.TypeToggleScript, Sources: localUI, Handler: b.toggleScript},
		{Type: schema.TypeScriptsForURL, Sources: localUI, Handler: b.scriptsForURL},
		{Type: schema.TypeEvaluateScript, Sources: localUI, Handler: b.evaluateScript},
		{Type: schema.TypeListPending, Sources: localUI, Handler: b.listPending},
		{Type: schema.TypeConfirmPending, Sources: localUI, Handler: b.confirmPending},
		{Type: schema.TypeDiscardPending, Sources: localUI, Handler: b.discardPending},

		{Type: schema.TypeConnectTab, Sources: localUI, Handler: b.connectTab},
		{Type: schema.TypeDisconnectTab, Sources: localUI, Handler: b.disconnectTab},
		{Type: schema.TypeSetAutoReconnect, Sources: localUI, Handler: b.setAutoReconnect},
		{Type: schema.TypeListConnections, Sources: localUI, Handler: b.listConnections},

		{Type: schema.TypeGetSettings, Sources: localUI, Handler: b.getSettings},
		{Type: schema.TypeUpdateSettings, Sources: localUI, Handler: b.updateSettings},
	}
}

// originOf classifies the caller by channel and source. Only the local UIs
// on the privileged channel count as local.
func originOf(req router.Request) mutation.Origin {
	if req.Channel == router.ChannelPrivileged && (req.Source == schema.SourcePanel || req.Source == schema.SourcePopup) {
		return mutation.OriginLocal
	}
	return mutation.OriginRemote
}

func (b *Bridge) ping(context.Context, router.Request) (any, error) {
	return map[string]bool{"pong": true}, nil
}

func (b *Bridge) recordBulk(result mutation.BulkResult) {
	for _, item := range result.Results {
		b.deps.Metrics.BulkItem(item.Success)
	}
}

// reply drops the result of a failed single-item call so a zero value is
// not merged into the error response.
func reply[T any](result T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return result, nil
}
