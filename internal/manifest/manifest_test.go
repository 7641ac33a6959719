package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/scriptbridge/schema"
)

func TestParseMinimal(t *testing.T) {
	m, err := Parse(`{:name "t"} (println "hi")`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "t.cljs" {
		t.Fatalf("expected t.cljs, got %q", m.Name)
	}
	if m.RunAt != schema.RunAtDocumentIdle {
		t.Fatalf("expected idle default, got %q", m.RunAt)
	}
	if len(m.Matches) != 0 {
		t.Fatalf("expected manual-only script, got %v", m.Matches)
	}
}

func TestParseFullManifest(t *testing.T) {
	code := `; leading comment
{:name "GitHub Tweaks"
 :description "Hide the feed"
 :match ["https://github.com/*" "https://*.github.com/*"]
 :run-at :document-start
 :inject "https://cdn.example.com/lib.js"
 :unknown {:nested [1 2 3]}}

(ns github-tweaks)`
	got, err := Parse(code)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Manifest{
		Title:       "GitHub Tweaks",
		Name:        "github_tweaks.cljs",
		Description: "Hide the feed",
		Matches:     []string{"https://github.com/*", "https://*.github.com/*"},
		RunAt:       schema.RunAtDocumentStart,
		Inject:      []string{"https://cdn.example.com/lib.js"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestParseStringEscapes(t *testing.T) {
	m, err := Parse(`{:name "say \"hi\""}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Title != `say "hi"` {
		t.Fatalf("unexpected title %q", m.Title)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no-map":        `(println "x")`,
		"missing-name":  `{:description "x"}`,
		"blank-name":    `{:name "  "}`,
		"numeric-name":  `{:name 42}`,
		"unterminated":  `{:name "t"`,
		"odd-forms":     `{:name}`,
		"bad-run-at":    `{:name "t" :run-at "whenever"}`,
		"bad-match":     `{:name "t" :match [1]}`,
		"symbolic-name": `{:name "!!!"}`,
	}
	for label, code := range cases {
		if _, err := Parse(code); !errors.Is(err, schema.ErrInvalidManifest) {
			t.Fatalf("case %q expected invalid manifest, got %v", label, err)
		}
	}
}

func TestApplyKeepsState(t *testing.T) {
	m, err := Parse(`{:name "t" :match "https://example.com/*"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	script := m.Apply(schema.Script{Enabled: true, Code: "x"})
	if !script.Enabled || script.Code != "x" {
		t.Fatalf("expected stored state to survive, got %+v", script)
	}
	if script.Name != "t.cljs" || len(script.Matches) != 1 {
		t.Fatalf("expected manifest fields applied, got %+v", script)
	}
}

func TestParseBoundsNesting(t *testing.T) {
	deep := `{:name "x" :match ` + strings.Repeat("[", 1_000_000)
	if _, err := Parse(deep); !errors.Is(err, schema.ErrInvalidManifest) {
		t.Fatalf("expected deep nesting to be rejected, got %v", err)
	}
	nested := `{:name "x" :extra ` + strings.Repeat("[", maxDepth-1) + strings.Repeat("]", maxDepth-1) + `}`
	if _, err := Parse(nested); err != nil {
		t.Fatalf("expected nesting at the limit to parse, got %v", err)
	}
	tooDeep := `{:name "x" :extra ` + strings.Repeat("[", maxDepth) + strings.Repeat("]", maxDepth) + `}`
	if _, err := Parse(tooDeep); !errors.Is(err, schema.ErrInvalidManifest) {
		t.Fatalf("expected nesting past the limit to be rejected, got %v", err)
	}
}

func TestParseRejectsOversizedScript(t *testing.T) {
	code := `{:name "big"} ` + strings.Repeat(";", maxCodeBytes)
	if _, err := Parse(code); !errors.Is(err, schema.ErrInvalidManifest) {
		t.Fatalf("expected oversized script to be rejected, got %v", err)
	}
}

func TestParseStopsAtLeadingForm(t *testing.T) {
	code := `{:name "t" :description "has } and ] inside" :tag \{} (js/console.log "{[(") #js {:a 1}`
	m, err := Parse(code)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Description != "has } and ] inside" {
		t.Fatalf("unexpected description %q", m.Description)
	}
}
