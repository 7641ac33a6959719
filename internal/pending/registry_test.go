package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/scriptbridge/schema"
)

func TestResolveMatchesIDAndType(t *testing.T) {
	r := New("req-")
	id, ch := r.Register("tab1", schema.TypeEvalResult)
	if r.Resolve(id, "other", nil) {
		t.Fatalf("expected mismatched type to be ignored")
	}
	if r.Resolve("req-999", schema.TypeEvalResult, nil) {
		t.Fatalf("expected unknown id to be ignored")
	}
	if !r.Resolve(id, schema.TypeEvalResult, []byte(`{"ok":true}`)) {
		t.Fatalf("expected resolve to succeed")
	}
	res, err := r.Await(context.Background(), id, ch)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(res.Raw) != `{"ok":true}` {
		t.Fatalf("unexpected payload %q", res.Raw)
	}
	if r.Len() != 0 {
		t.Fatalf("expected resolved entry to be removed")
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	r := New("")
	a, _ := r.Register("x", "")
	b, _ := r.Register("x", "")
	if a != "1" || b != "2" {
		t.Fatalf("expected monotonic ids, got %q %q", a, b)
	}
}

func TestOutOfOrderResolution(t *testing.T) {
	r := New("")
	first, firstCh := r.Register("x", "")
	second, secondCh := r.Register("x", "")
	r.Resolve(second, "t", []byte("2"))
	r.Resolve(first, "t", []byte("1"))
	if res := <-firstCh; string(res.Raw) != "1" {
		t.Fatalf("first got %q", res.Raw)
	}
	if res := <-secondCh; string(res.Raw) != "2" {
		t.Fatalf("second got %q", res.Raw)
	}
}

func TestSweepOwner(t *testing.T) {
	r := New("")
	id, ch := r.Register("tab1", "")
	_, other := r.Register("tab2", "")
	if n := r.SweepOwner("tab1"); n != 1 {
		t.Fatalf("expected one swept request, got %d", n)
	}
	if _, err := r.Await(context.Background(), id, ch); !errors.Is(err, schema.ErrRequestAbandoned) {
		t.Fatalf("expected abandoned request, got %v", err)
	}
	select {
	case <-other:
		t.Fatalf("expected other owner's request to stay pending")
	default:
	}
	if r.Len() != 1 {
		t.Fatalf("expected one outstanding request, got %d", r.Len())
	}
}

func TestAwaitCancelsOnContext(t *testing.T) {
	r := New("")
	id, ch := r.Register("tab1", "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Await(ctx, id, ch); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected cancelled request to be forgotten")
	}
}

func TestResolveOwnedChecksOwner(t *testing.T) {
	r := New("eval-")
	id, ch := r.Register("tab1", schema.TypeEvalResult)
	if r.ResolveOwned("tab2", id, schema.TypeEvalResult, []byte("x")) {
		t.Fatalf("expected foreign owner to be rejected")
	}
	if r.ResolveOwned("", id, schema.TypeEvalResult, []byte("x")) {
		t.Fatalf("expected empty owner to be rejected")
	}
	if !r.ResolveOwned("tab1", id, schema.TypeEvalResult, []byte("ok")) {
		t.Fatalf("expected owner to resolve")
	}
	if res := <-ch; string(res.Raw) != "ok" {
		t.Fatalf("unexpected response %q", res.Raw)
	}
}
