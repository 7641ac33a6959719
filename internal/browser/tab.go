package browser

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/tidwall/gjson"
	"pkt.systems/scriptbridge/internal/logx"
	"pkt.systems/scriptbridge/internal/pending"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

type tab struct {
	id     schema.TabID
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	url      string
	deferred map[schema.RunAt][]schema.Script
	fired    map[schema.RunAt]bool
}

func (t *tab) context() schema.TabContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return schema.TabContext{ID: t.id, URL: t.url, Host: hostOf(t.url)}
}

func (t *tab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

// navigated starts a new document: nothing has fired and nothing waits.
func (t *tab) navigated(u string) {
	t.mu.Lock()
	t.url = u
	t.deferred = nil
	t.fired = make(map[schema.RunAt]bool)
	t.mu.Unlock()
}

func (t *tab) fire(stage schema.RunAt) {
	t.mu.Lock()
	if t.fired == nil {
		t.fired = make(map[schema.RunAt]bool)
	}
	t.fired[stage] = true
	t.mu.Unlock()
}

// stash keeps scripts for lifecycle stages that have not fired yet and
// returns the ones whose stage already passed, in stage order.
func (t *tab) stash(stages map[schema.RunAt][]schema.Script) []schema.Script {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []schema.Script
	for _, stage := range []schema.RunAt{schema.RunAtDocumentEnd, schema.RunAtDocumentIdle} {
		if t.fired[stage] {
			due = append(due, stages[stage]...)
			delete(stages, stage)
		}
	}
	t.deferred = stages
	return due
}

func (t *tab) take(stage schema.RunAt) []schema.Script {
	t.mu.Lock()
	defer t.mu.Unlock()
	scripts := t.deferred[stage]
	delete(t.deferred, stage)
	return scripts
}

// attach opens a session to the target and installs the page channel.
func (b *Browser) attach(info *target.Info) {
	id := schema.TabID(info.TargetID)
	if info.TargetID == b.controlID {
		return
	}
	b.mu.Lock()
	if _, ok := b.tabs[id]; ok || b.closed {
		b.mu.Unlock()
		return
	}
	ctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(info.TargetID))
	t := &tab{id: id, ctx: ctx, cancel: cancel, url: info.URL}
	b.tabs[id] = t
	b.mu.Unlock()

	log := b.log.With("tab", id)
	if err := chromedp.Run(ctx); err != nil {
		log.Warn("browser tab attach failed", "err", err)
		b.forget(id)
		return
	}
	chromedp.ListenTarget(ctx, func(ev any) { b.onTabEvent(t, ev) })
	err := chromedp.Run(ctx,
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(bridgeJS).Do(ctx)
			return err
		}),
		chromedp.Evaluate(bridgeJS, nil),
	)
	if err != nil {
		log.Warn("browser page channel install failed", "err", err)
		return
	}
	log.Debug("browser tab attached", "url", info.URL)
}

func (b *Browser) forget(id schema.TabID) {
	b.mu.Lock()
	t, ok := b.tabs[id]
	delete(b.tabs, id)
	b.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// onTabEvent runs on the chromedp event loop and must not block.
func (b *Browser) onTabEvent(t *tab, ev any) {
	switch ev := ev.(type) {
	case *runtime.EventBindingCalled:
		if ev.Name != bindingName {
			return
		}
		payload := []byte(ev.Payload)
		b.spawn(func() { b.handlePagePost(t, payload) })
	case *page.EventFrameNavigated:
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		navigated := ev.Frame.URL
		t.navigated(navigated)
		b.spawn(func() { b.onNavigated(t, navigated) })
	case *page.EventDomContentEventFired:
		t.fire(schema.RunAtDocumentEnd)
		b.spawn(func() { b.runStage(t, schema.RunAtDocumentEnd) })
	case *page.EventLoadEventFired:
		t.fire(schema.RunAtDocumentIdle)
		b.spawn(func() { b.runStage(t, schema.RunAtDocumentIdle) })
	}
}

// handlePagePost serves one envelope posted through the binding. Evaluation
// results resolve the waiting Deliver call and never reach the router.
func (b *Browser) handlePagePost(t *tab, payload []byte) {
	if !gjson.ValidBytes(payload) {
		return
	}
	env := gjson.ParseBytes(payload)
	if schema.MessageType(env.Get("type").String()) == schema.TypeEvalResult {
		id := schema.RequestID(env.Get("requestId").String())
		b.deps.Pending.ResolveOwned(pending.Owner(t.id), id, schema.TypeEvalResult, []byte(env.Get("payload").Raw))
		return
	}

	b.mu.Lock()
	dispatcher := b.dispatcher
	b.mu.Unlock()
	if dispatcher == nil {
		return
	}
	ctx := logx.ContextWithTab(t.ctx, t.id)
	resp, ok := dispatcher.Dispatch(ctx, router.ChannelPage, t.context(), payload)
	if !ok {
		return
	}
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(deliverExpr(resp), nil)); err != nil {
		b.log.Debug("browser page reply failed", "tab", t.id, "err", err)
	}
}

func (b *Browser) onNavigated(t *tab, url string) {
	b.mu.Lock()
	lifecycle := b.lifecycle
	b.mu.Unlock()
	if lifecycle != nil {
		lifecycle.OnNavigated(t.id, url)
	}
	b.autoInject(t, url)
}

func deliverExpr(resp []byte) string {
	return "window.__scriptbridge && window.__scriptbridge.deliver(" + string(resp) + ")"
}

func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
