package browser

import (
	"context"
	"sort"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/logx"
	"pkt.systems/scriptbridge/internal/manifest"
	"pkt.systems/scriptbridge/schema"
)

var runAtOrder = map[schema.RunAt]int{
	schema.RunAtDocumentStart: 0,
	schema.RunAtDocumentEnd:   1,
	schema.RunAtDocumentIdle:  2,
}

// selectScripts returns the enabled auto-injected scripts matching url,
// grouped by lifecycle stage and sorted by name within each stage.
func selectScripts(scripts []schema.Script, url string) map[schema.RunAt][]schema.Script {
	out := make(map[schema.RunAt][]schema.Script)
	for _, script := range scripts {
		if !script.Enabled || script.ManualOnly() || !manifest.MatchAny(script.Matches, url) {
			continue
		}
		stage := script.RunAt
		if _, ok := runAtOrder[stage]; !ok {
			stage = schema.RunAtDocumentIdle
		}
		out[stage] = append(out[stage], script)
	}
	for stage := range out {
		sort.Slice(out[stage], func(i, j int) bool { return out[stage][i].Name < out[stage][j].Name })
	}
	return out
}

// autoInject runs document-start scripts for the new document right away
// and stashes the rest for the matching lifecycle events. Stages that fired
// before the store answered run immediately.
func (b *Browser) autoInject(t *tab, url string) {
	if b.deps.Scripts == nil {
		return
	}
	scripts, err := b.deps.Scripts.List(t.ctx, true)
	if err != nil {
		b.log.Warn("browser auto-inject list failed", "tab", t.id, "err", err)
		return
	}
	stages := selectScripts(scripts, url)
	start := stages[schema.RunAtDocumentStart]
	delete(stages, schema.RunAtDocumentStart)
	due := t.stash(stages)
	b.inject(t.ctx, t, append(start, due...))
}

func (b *Browser) runStage(t *tab, stage schema.RunAt) {
	b.inject(t.ctx, t, t.take(stage))
}

func (b *Browser) inject(ctx context.Context, t *tab, scripts []schema.Script) {
	if len(scripts) == 0 {
		return
	}
	ctx = logx.ContextWithTabLogger(ctx, b.log.With("tab", t.id), t.id)
	for _, script := range scripts {
		log := logx.WithTabScript(ctx, t.id, script.Name)
		scriptCtx := logx.ContextWithScript(pslog.ContextWithLogger(ctx, log), script.Name)
		if err := b.RunScript(scriptCtx, t.id, script); err != nil {
			log.Debug("browser auto-inject failed", "err", err)
			continue
		}
		log.Trace("browser auto-inject ok")
	}
}
