package mutation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/scriptbridge/schema"
)

func TestBulkDeletePartialFailure(t *testing.T) {
	p, store, _ := newTestProtocol(t, false)
	ctx := context.Background()
	if _, err := p.Save(ctx, SaveRequest{Code: `{:name "a"}`, Force: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	res := p.BulkDelete(ctx, []string{"a.cljs", "missing.cljs"}, true, OriginLocal)
	if len(res.Results) != 2 {
		t.Fatalf("expected two results, got %+v", res.Results)
	}
	if got := res.Results["a.cljs"]; !got.Success || got.NotFound {
		t.Fatalf("expected success for a.cljs, got %+v", got)
	}
	if got := res.Results["missing.cljs"]; got.Success || !got.NotFound {
		t.Fatalf("expected not-found for missing.cljs, got %+v", got)
	}
	if diff := cmp.Diff([]schema.ScriptName{"missing.cljs"}, res.Missing); diff != "" {
		t.Fatalf("missing (-want +got):\n%s", diff)
	}
	if err := res.MissingError(); !errors.Is(err, schema.ErrSomeNotFound) {
		t.Fatalf("expected aggregate not-found, got %v", err)
	}
	if ok, _ := store.Exists(ctx, "a.cljs"); ok {
		t.Fatalf("expected a.cljs deleted despite sibling failure")
	}
}

func TestBulkCorrelation(t *testing.T) {
	p, _, _ := newTestProtocol(t, false)
	ctx := context.Background()
	res := p.BulkSave(ctx, []string{`{:name "one"}`, `{:name "two"}`, `not a manifest`}, nil, true, OriginLocal)
	if res.BulkID == "" {
		t.Fatalf("expected bulk id")
	}
	seen := map[int]bool{}
	for key, item := range res.Results {
		if item.Bulk.ID != res.BulkID || item.Bulk.Count != 3 {
			t.Fatalf("%s: unexpected correlation %+v", key, item.Bulk)
		}
		seen[item.Bulk.Index] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected three distinct indices, got %v", seen)
	}
	if got := res.Results["#2"]; got.Success || got.Error == "" {
		t.Fatalf("expected invalid manifest item to fail alone, got %+v", got)
	}
	if !res.Results["one.cljs"].NewlyCreated || !res.Results["two.cljs"].NewlyCreated {
		t.Fatalf("expected siblings to succeed, got %+v", res.Results)
	}
	if res.MissingError() != nil {
		t.Fatalf("save failures are not not-found conditions")
	}
}

func TestBulkRenameQueues(t *testing.T) {
	p, _, _ := newTestProtocol(t, false)
	ctx := context.Background()
	if _, err := p.Save(ctx, SaveRequest{Code: `{:name "a"}`, Force: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res := p.BulkRename(ctx, []RenamePair{{From: "a.cljs", To: "b"}, {From: "gone.cljs", To: "c"}}, false, OriginLocal)
	if got := res.Results["a.cljs"]; !got.Success || !got.PendingConfirmation || got.Bulk.ID != res.BulkID {
		t.Fatalf("expected queued rename, got %+v", got)
	}
	if pending, ok := p.PendingFor("a.cljs"); !ok || pending.Bulk == nil || pending.Bulk.ID != res.BulkID {
		t.Fatalf("expected bulk correlation on pending entry, got %+v", pending)
	}
	if diff := cmp.Diff([]schema.ScriptName{"gone.cljs"}, res.Missing); diff != "" {
		t.Fatalf("missing (-want +got):\n%s", diff)
	}
}

func TestBulkRejectsRepeatedTargets(t *testing.T) {
	p, store, _ := newTestProtocol(t, false)
	ctx := context.Background()
	if _, err := p.Save(ctx, SaveRequest{Code: `{:name "a"}`, Force: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	del := p.BulkDelete(ctx, []string{"a", "a.cljs"}, true, OriginLocal)
	if got := del.Results["a"]; !got.Success || got.Bulk.Index != 0 {
		t.Fatalf("expected first item to delete a.cljs, got %+v", got)
	}
	if got := del.Results["#1"]; got.Success || got.NotFound || got.Name != "a.cljs" {
		t.Fatalf("expected repeated target to be rejected, got %+v", got)
	}
	if len(del.Missing) != 0 {
		t.Fatalf("repeated target is not a missing script: %+v", del.Missing)
	}

	save := p.BulkSave(ctx, []string{`{:name "x"} (one)`, `{:name "x.cljs"} (two)`}, nil, true, OriginLocal)
	if got := save.Results["x.cljs"]; !got.Success || got.Bulk.Index != 0 {
		t.Fatalf("expected first save to win, got %+v", got)
	}
	if got := save.Results["#1"]; got.Success || !strings.Contains(got.Error, schema.ErrInvalidRequest.Error()) {
		t.Fatalf("expected repeated save to be rejected, got %+v", got)
	}
	script, err := store.Get(ctx, "x.cljs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(script.Code, "(one)") {
		t.Fatalf("expected first item's code to be stored, got %q", script.Code)
	}
}
