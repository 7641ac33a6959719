// Package pending correlates cross-context responses with the requests that
// caused them.
package pending

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"pkt.systems/scriptbridge/schema"
)

// Owner identifies the context that issued a request. Requests are swept
// when their owner goes away.
type Owner string

// Response is the raw response envelope delivered to a waiter.
type Response struct {
	Type schema.MessageType
	Raw  []byte
	Err  error
}

type entry struct {
	owner  Owner
	expect schema.MessageType
	ch     chan Response
}

// Registry holds outstanding requests keyed by request id. Ids are
// monotonic for the lifetime of the registry.
type Registry struct {
	prefix string

	mu      sync.Mutex
	next    uint64
	entries map[schema.RequestID]*entry
}

// New constructs a Registry whose ids carry prefix.
func New(prefix string) *Registry {
	return &Registry{prefix: prefix, entries: make(map[schema.RequestID]*entry)}
}

// Register allocates a request id owned by owner, expecting a response of
// type expect.
func (r *Registry) Register(owner Owner, expect schema.MessageType) (schema.RequestID, <-chan Response) {
	ch := make(chan Response, 1)
	r.mu.Lock()
	r.next++
	id := schema.RequestID(r.prefix + strconv.FormatUint(r.next, 10))
	r.entries[id] = &entry{owner: owner, expect: expect, ch: ch}
	r.mu.Unlock()
	return id, ch
}

// Resolve delivers a response. It reports false when no request with that id
// is outstanding or the type does not match what was expected.
func (r *Registry) Resolve(id schema.RequestID, typ schema.MessageType, raw []byte) bool {
	return r.resolve("", id, typ, raw)
}

// ResolveOwned is Resolve restricted to requests issued by owner.
func (r *Registry) ResolveOwned(owner Owner, id schema.RequestID, typ schema.MessageType, raw []byte) bool {
	if owner == "" {
		return false
	}
	return r.resolve(owner, id, typ, raw)
}

func (r *Registry) resolve(owner Owner, id schema.RequestID, typ schema.MessageType, raw []byte) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || (owner != "" && e.owner != owner) || (e.expect != "" && e.expect != typ) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()
	e.ch <- Response{Type: typ, Raw: raw}
	close(e.ch)
	return true
}

// Cancel forgets a request without resolving it.
func (r *Registry) Cancel(id schema.RequestID) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		close(e.ch)
	}
}

// SweepOwner fails every request owned by owner with ErrRequestAbandoned and
// returns how many were swept.
func (r *Registry) SweepOwner(owner Owner) int {
	r.mu.Lock()
	var swept []*entry
	for id, e := range r.entries {
		if e.owner == owner {
			swept = append(swept, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, e := range swept {
		e.ch <- Response{Err: fmt.Errorf("%w: owner %s", schema.ErrRequestAbandoned, owner)}
		close(e.ch)
	}
	return len(swept)
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Await waits for the response to id, cancelling the request when ctx ends.
func (r *Registry) Await(ctx context.Context, id schema.RequestID, ch <-chan Response) (Response, error) {
	select {
	case res, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("%w: request %s", schema.ErrRequestAbandoned, id)
		}
		if res.Err != nil {
			return Response{}, res.Err
		}
		return res, nil
	case <-ctx.Done():
		r.Cancel(id)
		return Response{}, ctx.Err()
	}
}
