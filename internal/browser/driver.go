package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"pkt.systems/scriptbridge/internal/pending"
	"pkt.systems/scriptbridge/schema"
)

type readyState struct {
	Ready   bool `json:"ready"`
	Blocked bool `json:"blocked"`
}

const readyExpr = `(() => { const rt = window.__scriptbridgeRuntime; return rt ? rt.ready() : null; })()`

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (b *Browser) live(id schema.TabID) (*tab, error) {
	t, ok := b.tab(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrRuntimeUnavailable, id)
	}
	return t, nil
}

// InjectRuntime installs the evaluation runtime. The runtime guards itself
// against double installation.
func (b *Browser) InjectRuntime(ctx context.Context, id schema.TabID) error {
	t, err := b.live(id)
	if err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(runtimeJS, nil)); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrRuntimeUnavailable, err)
	}
	return nil
}

// RuntimeReady probes the evaluation runtime.
func (b *Browser) RuntimeReady(ctx context.Context, id schema.TabID) (bool, bool, error) {
	t, err := b.live(id)
	if err != nil {
		return false, false, err
	}
	var state *readyState
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(readyExpr, &state)); err != nil {
		return false, false, err
	}
	if state == nil {
		return false, false, schema.ErrRuntimeUnavailable
	}
	return state.Ready, state.Blocked, nil
}

// Deliver evaluates an opaque frame in the page runtime and waits for the
// runtime to post the result back through the page channel.
func (b *Browser) Deliver(ctx context.Context, id schema.TabID, frame []byte) ([]byte, error) {
	t, err := b.live(id)
	if err != nil {
		return nil, err
	}
	reqID, ch := b.deps.Pending.Register(pending.Owner(id), schema.TypeEvalResult)
	expr := fmt.Sprintf("window.__scriptbridgeRuntime.eval(%s, %s)", jsString(string(reqID)), jsString(string(frame)))
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, nil)); err != nil {
		b.deps.Pending.Cancel(reqID)
		return nil, fmt.Errorf("%w: %v", schema.ErrRuntimeUnavailable, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.EvalTimeout)
	defer cancel()
	res, err := b.deps.Pending.Await(waitCtx, reqID, ch)
	if err != nil {
		return nil, err
	}
	return res.Raw, nil
}

// RunScript runs a stored script in the tab, loading the resources its
// manifest declares first.
func (b *Browser) RunScript(ctx context.Context, id schema.TabID, script schema.Script) error {
	t, err := b.live(id)
	if err != nil {
		return err
	}
	if err := b.InjectRuntime(ctx, id); err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(runScriptExpr(script), nil, awaitPromise)); err != nil {
		return fmt.Errorf("run %s: %w", script.Name, err)
	}
	return nil
}

func runScriptExpr(script schema.Script) string {
	inject, _ := json.Marshal(script.Inject)
	return fmt.Sprintf("window.__scriptbridgeRuntime.runScript(%s, %s, %s)",
		jsString(string(script.Name)), jsString(script.Code), inject)
}
