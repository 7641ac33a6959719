package bridge

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/scriptbridge/internal/logx"
	"pkt.systems/scriptbridge/internal/manifest"
	"pkt.systems/scriptbridge/internal/mutation"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

type scriptList struct {
	Scripts []schema.ScriptInfo `json:"scripts"`
}

type scriptBody struct {
	schema.ScriptInfo
	Code string `json:"code"`
}

func infos(scripts []schema.Script) scriptList {
	out := scriptList{Scripts: make([]schema.ScriptInfo, 0, len(scripts))}
	for _, script := range scripts {
		out.Scripts = append(out.Scripts, script.Info())
	}
	return out
}

func lookupName(raw string) (schema.ScriptName, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: name is required", schema.ErrInvalidRequest)
	}
	return schema.NormalizeScriptName(raw)
}

func (b *Bridge) listScripts(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		IncludeHidden bool `json:"includeHidden"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	scripts, err := b.deps.Scripts.List(ctx, p.IncludeHidden)
	if err != nil {
		return nil, err
	}
	return infos(scripts), nil
}

func (b *Bridge) getScript(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	name, err := lookupName(p.Name)
	if err != nil {
		return nil, err
	}
	script, err := b.deps.Scripts.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return scriptBody{ScriptInfo: script.Info(), Code: script.Code}, nil
}

type savePayload struct {
	Code    string   `json:"code"`
	Codes   []string `json:"codes"`
	Enabled *bool    `json:"enabled"`
	Force   bool     `json:"force"`
}

// saveScript serves save-script and, with queue set, queue-save-script,
// which never applies over an existing script.
func (b *Bridge) saveScript(queue bool) router.Handler {
	return func(ctx context.Context, req router.Request) (any, error) {
		var p savePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		force := p.Force && !queue
		if p.Codes != nil {
			result := b.deps.Mutations.BulkSave(ctx, p.Codes, p.Enabled, force, originOf(req))
			b.recordBulk(result)
			return result, nil
		}
		if p.Code == "" {
			return nil, fmt.Errorf("%w: code is required", schema.ErrInvalidRequest)
		}
		return reply(b.deps.Mutations.Save(ctx, mutation.SaveRequest{Code: p.Code, Enabled: p.Enabled, Force: force, Origin: originOf(req)}))
	}
}

type renamePayload struct {
	From    string                `json:"from"`
	To      string                `json:"to"`
	Renames []mutation.RenamePair `json:"renames"`
	Force   bool                  `json:"force"`
}

func (b *Bridge) renameScript(queue bool) router.Handler {
	return func(ctx context.Context, req router.Request) (any, error) {
		var p renamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		force := p.Force && !queue
		if p.Renames != nil {
			result := b.deps.Mutations.BulkRename(ctx, p.Renames, force, originOf(req))
			b.recordBulk(result)
			return result, result.MissingError()
		}
		return reply(b.deps.Mutations.Rename(ctx, mutation.RenameRequest{From: p.From, To: p.To, Force: force, Origin: originOf(req)}))
	}
}

type deletePayload struct {
	Name  string   `json:"name"`
	Names []string `json:"names"`
	Force bool     `json:"force"`
}

func (b *Bridge) deleteScript(queue bool) router.Handler {
	return func(ctx context.Context, req router.Request) (any, error) {
		var p deletePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		force := p.Force && !queue
		if p.Names != nil {
			result := b.deps.Mutations.BulkDelete(ctx, p.Names, force, originOf(req))
			b.recordBulk(result)
			return result, result.MissingError()
		}
		return reply(b.deps.Mutations.Delete(ctx, mutation.DeleteRequest{Name: p.Name, Force: force, Origin: originOf(req)}))
	}
}

type existsResult struct {
	Name      schema.ScriptName `json:"name"`
	Exists    bool              `json:"exists"`
	Identical bool              `json:"identical"`
}

// checkScriptExists reports whether a script of that name is stored and
// whether its code is byte-equal. The name falls back to the manifest.
func (b *Bridge) checkScriptExists(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		Name string `json:"name"`
		Code string `json:"code"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	var name schema.ScriptName
	if p.Name != "" {
		normalized, err := schema.NormalizeScriptName(p.Name)
		if err != nil {
			return nil, err
		}
		name = normalized
	} else {
		m, err := manifest.Parse(p.Code)
		if err != nil {
			return nil, err
		}
		name = m.Name
	}
	script, err := b.deps.Scripts.Get(ctx, name)
	if errors.Is(err, schema.ErrScriptNotFound) {
		return existsResult{Name: name}, nil
	}
	if err != nil {
		return nil, err
	}
	return existsResult{Name: name, Exists: true, Identical: script.Code == p.Code}, nil
}

// webInstallerSave is the page-originated install path. The tab host comes
// from the channel and must be on the operator whitelist; the remote
// mutation gate still applies on top of it.
func (b *Bridge) webInstallerSave(ctx context.Context, req router.Request) (any, error) {
	if !b.installerHosts[req.Tab.Host] {
		b.log.Warn("bridge web installer rejected", "tab", req.Tab.ID, "host", req.Tab.Host)
		return nil, fmt.Errorf("%w: %s", schema.ErrDomainNotAllowed, req.Tab.Host)
	}
	var p struct {
		Code    string `json:"code"`
		Enabled *bool  `json:"enabled"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, fmt.Errorf("%w: code is required", schema.ErrInvalidRequest)
	}
	return reply(b.deps.Mutations.Save(ctx, mutation.SaveRequest{Code: p.Code, Enabled: p.Enabled, Force: true, Origin: originOf(req)}))
}

func (b *Bridge) toggleScript(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	name, err := lookupName(p.Name)
	if err != nil {
		return nil, err
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	} else {
		current, err := b.deps.Scripts.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		enabled = !current.Enabled
	}
	script, err := b.deps.Scripts.SetEnabled(ctx, name, enabled)
	if err != nil {
		return nil, err
	}
	return script.Info(), nil
}

func (b *Bridge) scriptsForURL(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("%w: url is required", schema.ErrInvalidRequest)
	}
	scripts, err := b.deps.Scripts.List(ctx, false)
	if err != nil {
		return nil, err
	}
	matched := scripts[:0]
	for _, script := range scripts {
		if script.Enabled && manifest.MatchAny(script.Matches, p.URL) {
			matched = append(matched, script)
		}
	}
	return infos(matched), nil
}

func (b *Bridge) evaluateScript(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		TabID schema.TabID `json:"tabId"`
		Name  string       `json:"name"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	name, err := lookupName(p.Name)
	if err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, fmt.Errorf("%w: tabId is required", schema.ErrInvalidRequest)
	}
	script, err := b.deps.Scripts.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	log := logx.WithTabScript(ctx, p.TabID, name)
	if err := b.deps.Tabs.RunScript(ctx, p.TabID, script); err != nil {
		log.Debug("bridge evaluate failed", "err", err)
		if errors.Is(err, schema.ErrRuntimeUnavailable) {
			return nil, fmt.Errorf("%w: %s", schema.ErrTabNotFound, p.TabID)
		}
		return nil, err
	}
	log.Debug("bridge evaluate ok")
	return map[string]any{"name": name, "tabId": p.TabID}, nil
}

func (b *Bridge) listPending(context.Context, router.Request) (any, error) {
	return map[string]any{"pending": b.deps.Mutations.ListPending()}, nil
}

func (b *Bridge) confirmPending(ctx context.Context, req router.Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	name, err := lookupName(p.Name)
	if err != nil {
		return nil, err
	}
	return b.deps.Mutations.Confirm(ctx, name)
}

func (b *Bridge) discardPending(_ context.Context, req router.Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	name, err := lookupName(p.Name)
	if err != nil {
		return nil, err
	}
	discarded, err := b.deps.Mutations.Discard(name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"discarded": discarded}, nil
}
