package browser

import (
	"encoding/json"
	"strings"
	"testing"

	"pkt.systems/scriptbridge/schema"
)

func TestSelectScriptsGroupsByStage(t *testing.T) {
	scripts := []schema.Script{
		{Name: "b.cljs", Enabled: true, Matches: []string{"https://example.com/*"}, RunAt: schema.RunAtDocumentIdle},
		{Name: "a.cljs", Enabled: true, Matches: []string{"https://example.com/*"}, RunAt: schema.RunAtDocumentIdle},
		{Name: "early.cljs", Enabled: true, Matches: []string{"*://example.com/*"}, RunAt: schema.RunAtDocumentStart},
		{Name: "odd.cljs", Enabled: true, Matches: []string{"https://example.com/*"}, RunAt: "whenever"},
		{Name: "off.cljs", Enabled: false, Matches: []string{"https://example.com/*"}},
		{Name: "manual.cljs", Enabled: true},
		{Name: "elsewhere.cljs", Enabled: true, Matches: []string{"https://other.test/*"}},
	}
	got := selectScripts(scripts, "https://example.com/page")
	names := func(list []schema.Script) []string {
		out := make([]string, 0, len(list))
		for _, s := range list {
			out = append(out, string(s.Name))
		}
		return out
	}
	if idle := strings.Join(names(got[schema.RunAtDocumentIdle]), ","); idle != "a.cljs,b.cljs,odd.cljs" {
		t.Fatalf("unexpected idle scripts %q", idle)
	}
	if start := strings.Join(names(got[schema.RunAtDocumentStart]), ","); start != "early.cljs" {
		t.Fatalf("unexpected start scripts %q", start)
	}
	if len(got[schema.RunAtDocumentEnd]) != 0 {
		t.Fatalf("expected no document-end scripts")
	}
}

func TestStashRunsStagesThatAlreadyFired(t *testing.T) {
	tb := &tab{id: "t"}
	tb.navigated("https://example.com/")
	tb.fire(schema.RunAtDocumentEnd)
	due := tb.stash(map[schema.RunAt][]schema.Script{
		schema.RunAtDocumentEnd:  {{Name: "end.cljs"}},
		schema.RunAtDocumentIdle: {{Name: "idle.cljs"}},
	})
	if len(due) != 1 || due[0].Name != "end.cljs" {
		t.Fatalf("expected end script to be due, got %+v", due)
	}
	if later := tb.take(schema.RunAtDocumentEnd); len(later) != 0 {
		t.Fatalf("end script must not run twice")
	}
	if idle := tb.take(schema.RunAtDocumentIdle); len(idle) != 1 {
		t.Fatalf("expected idle script to wait for its stage")
	}
	tb.navigated("https://example.com/next")
	if len(tb.take(schema.RunAtDocumentIdle)) != 0 {
		t.Fatalf("navigation must drop scripts stashed for the previous document")
	}
}

func TestTabContextDerivesHost(t *testing.T) {
	tb := &tab{id: "t", url: "https://user@sub.example.com:8443/x?y=1"}
	ctx := tb.context()
	if ctx.ID != "t" || ctx.Host != "sub.example.com" {
		t.Fatalf("unexpected tab context %+v", ctx)
	}
	if hostOf("::not a url") != "" {
		t.Fatalf("expected empty host for invalid url")
	}
}

func TestExpressionsQuoteInput(t *testing.T) {
	code := "{:name \"x\"}\n</script> (js/alert \"hi\u2028\")"
	expr := runScriptExpr(schema.Script{Name: "x.cljs", Code: code, Inject: []string{"https://cdn.test/scittle.js"}})
	if strings.Contains(expr, "\n") || strings.Contains(expr, "</script>") || strings.Contains(expr, "\u2028") {
		t.Fatalf("expected code to be escaped: %s", expr)
	}
	if !strings.HasPrefix(expr, `window.__scriptbridgeRuntime.runScript("x.cljs", `) || !strings.HasSuffix(expr, `["https://cdn.test/scittle.js"])`) {
		t.Fatalf("unexpected expression %s", expr)
	}
	var decoded string
	if err := json.Unmarshal([]byte(jsString(code)), &decoded); err != nil || decoded != code {
		t.Fatalf("jsString must round-trip, got %q (%v)", decoded, err)
	}
	if got := deliverExpr([]byte(`{"success":true}`)); got != `window.__scriptbridge && window.__scriptbridge.deliver({"success":true})` {
		t.Fatalf("unexpected deliver expression %s", got)
	}
}

func TestAssetsUseBindingName(t *testing.T) {
	for name, src := range map[string]string{"bridge": bridgeJS, "runtime": runtimeJS} {
		if !strings.Contains(src, bindingName) {
			t.Fatalf("%s asset does not reference %s", name, bindingName)
		}
	}
	if !strings.Contains(runtimeJS, string(schema.TypeEvalResult)) {
		t.Fatalf("runtime asset must post %s", schema.TypeEvalResult)
	}
}
