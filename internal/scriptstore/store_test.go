package scriptstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/scriptbridge/schema"
)

const builtinName = schema.ScriptName("scriptbridge/installer.cljs")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "scripts.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SeedBuiltins(context.Background()); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}
	return store
}

func TestPutReportsCreation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	script := schema.Script{Name: "t.cljs", Code: `{:name "t"}`, Enabled: true}

	created, err := store.Put(ctx, script)
	if err != nil || !created {
		t.Fatalf("expected created, got created=%v err=%v", created, err)
	}
	first, err := store.Get(ctx, "t.cljs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	store.now = func() time.Time { return first.ModifiedAt.Add(time.Minute) }
	created, err = store.Put(ctx, script)
	if err != nil || created {
		t.Fatalf("expected replace, got created=%v err=%v", created, err)
	}
	second, err := store.Get(ctx, "t.cljs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected creation time to survive replace: %v != %v", second.CreatedAt, first.CreatedAt)
	}
	if !second.ModifiedAt.After(first.ModifiedAt) {
		t.Fatalf("expected modified time to advance")
	}
	if second.Code != script.Code {
		t.Fatalf("round trip mismatch: %q", second.Code)
	}
}

func TestPutRejectsUnnormalizedName(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Put(context.Background(), schema.Script{Name: "Bad Name"}); !errors.Is(err, schema.ErrInvalidScriptName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
}

func TestListHidesBuiltins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, name := range []schema.ScriptName{"b.cljs", "a.cljs"} {
		if _, err := store.Put(ctx, schema.Script{Name: name, Code: "x", Matches: []string{"https://a.test/*"}}); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	visible, err := store.List(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]schema.ScriptName{"a.cljs", "b.cljs"}, names(visible)); diff != "" {
		t.Fatalf("visible scripts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"https://a.test/*"}, visible[0].Matches); diff != "" {
		t.Fatalf("matches (-want +got):\n%s", diff)
	}

	all, err := store.List(ctx, true)
	if err != nil {
		t.Fatalf("list hidden: %v", err)
	}
	if diff := cmp.Diff([]schema.ScriptName{"a.cljs", "b.cljs", builtinName}, names(all)); diff != "" {
		t.Fatalf("all scripts (-want +got):\n%s", diff)
	}
}

func TestBuiltinsAreProtected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	builtin, err := store.Get(ctx, builtinName)
	if err != nil {
		t.Fatalf("get builtin: %v", err)
	}
	if !builtin.Builtin || !builtin.Enabled {
		t.Fatalf("expected enabled builtin, got %+v", builtin)
	}
	if err := store.Delete(ctx, builtinName); !errors.Is(err, schema.ErrBuiltinProtected) {
		t.Fatalf("expected delete protection, got %v", err)
	}
	if err := store.Rename(ctx, builtinName, "mine.cljs", true); !errors.Is(err, schema.ErrBuiltinProtected) {
		t.Fatalf("expected rename protection, got %v", err)
	}
	if _, err := store.Put(ctx, schema.Script{Name: builtinName, Code: "x"}); !errors.Is(err, schema.ErrBuiltinProtected) {
		t.Fatalf("expected overwrite protection, got %v", err)
	}
	if _, err := store.Put(ctx, schema.Script{Name: "mine.cljs", Code: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Rename(ctx, "mine.cljs", builtinName, true); !errors.Is(err, schema.ErrBuiltinProtected) {
		t.Fatalf("expected rename onto builtin to fail, got %v", err)
	}
}

func TestSeedPreservesEnabledFlag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.SetEnabled(ctx, builtinName, false); err != nil {
		t.Fatalf("disable builtin: %v", err)
	}
	if err := store.SeedBuiltins(ctx); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	script, err := store.Get(ctx, builtinName)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if script.Enabled {
		t.Fatalf("expected reseed to keep builtin disabled")
	}
}

func TestRename(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, name := range []schema.ScriptName{"a.cljs", "b.cljs"} {
		if _, err := store.Put(ctx, schema.Script{Name: name, Code: string(name)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := store.Rename(ctx, "missing.cljs", "c.cljs", false); !errors.Is(err, schema.ErrScriptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Rename(ctx, "a.cljs", "b.cljs", false); !errors.Is(err, schema.ErrScriptExists) {
		t.Fatalf("expected collision, got %v", err)
	}
	if err := store.Rename(ctx, "a.cljs", "b.cljs", true); err != nil {
		t.Fatalf("overwrite rename: %v", err)
	}
	got, err := store.Get(ctx, "b.cljs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Code != "a.cljs" {
		t.Fatalf("expected moved code, got %q", got.Code)
	}
	if ok, _ := store.Exists(ctx, "a.cljs"); ok {
		t.Fatalf("expected source name to be gone")
	}
}

func TestDeleteMissing(t *testing.T) {
	store := openTestStore(t)
	if err := store.Delete(context.Background(), "nope.cljs"); !errors.Is(err, schema.ErrScriptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.SetEnabled(context.Background(), "nope.cljs", true); !errors.Is(err, schema.ErrScriptNotFound) {
		t.Fatalf("expected not found toggle, got %v", err)
	}
}

func names(scripts []schema.Script) []schema.ScriptName {
	out := make([]schema.ScriptName, 0, len(scripts))
	for _, script := range scripts {
		out = append(out, script.Name)
	}
	return out
}
