// Package mutation guards the script store behind a queue/confirm protocol.
//
// Every target name is either Idle or Pending. A non-forced save over an
// existing script, and every non-forced rename or delete, moves the name to
// Pending and leaves storage untouched. A forced call, or Confirm, applies the
// change and returns the name to Idle. Queuing again for a Pending name
// replaces the queued payload.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/manifest"
	"pkt.systems/scriptbridge/schema"
)

// Store is the subset of the script store the protocol mutates.
type Store interface {
	Get(ctx context.Context, name schema.ScriptName) (schema.Script, error)
	Exists(ctx context.Context, name schema.ScriptName) (bool, error)
	Put(ctx context.Context, script schema.Script) (bool, error)
	Rename(ctx context.Context, from, to schema.ScriptName, overwrite bool) error
	Delete(ctx context.Context, name schema.ScriptName) error
}

// Gate exposes the global remote-mutation switch.
type Gate interface {
	RemoteMutationEnabled() bool
}

// Origin classifies who asked for a mutation. It is derived from the channel
// a request arrived on, never from its payload.
type Origin int

const (
	// OriginLocal is a user action in a privileged UI.
	OriginLocal Origin = iota
	// OriginRemote is the evaluation channel or page content.
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Kind is the kind of a queued mutation.
type Kind string

// Mutation kinds.
const (
	KindSave   Kind = "save"
	KindRename Kind = "rename"
	KindDelete Kind = "delete"
)

// BulkRef correlates the items of one bulk call. It carries no atomicity.
type BulkRef struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Count int    `json:"count"`
}

// Pending is a queued mutation waiting for confirmation.
type Pending struct {
	Kind     Kind              `json:"kind"`
	Name     schema.ScriptName `json:"name"`
	To       schema.ScriptName `json:"to,omitempty"`
	Code     string            `json:"code,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Bulk     *BulkRef          `json:"bulk,omitempty"`
	QueuedAt time.Time         `json:"queuedAt"`
	Origin   string            `json:"origin"`
}

// SaveRequest asks to store code under the name from its manifest.
type SaveRequest struct {
	Code    string
	Enabled *bool
	Force   bool
	Origin  Origin
	Bulk    *BulkRef
}

// SaveResult reports the outcome of a save.
type SaveResult struct {
	Name                schema.ScriptName `json:"name"`
	NewlyCreated        bool              `json:"newlyCreated"`
	PendingConfirmation bool              `json:"pendingConfirmation"`
	Bulk                *BulkRef          `json:"bulk,omitempty"`
}

// RenameRequest asks to move a script.
type RenameRequest struct {
	From   string
	To     string
	Force  bool
	Origin Origin
	Bulk   *BulkRef
}

// DeleteRequest asks to remove a script.
type DeleteRequest struct {
	Name   string
	Force  bool
	Origin Origin
	Bulk   *BulkRef
}

// Result reports the outcome of a rename or delete.
type Result struct {
	Name                schema.ScriptName `json:"name"`
	To                  schema.ScriptName `json:"to,omitempty"`
	PendingConfirmation bool              `json:"pendingConfirmation"`
	Bulk                *BulkRef          `json:"bulk,omitempty"`
}

// Protocol is the confirmation-gated layer over the script store.
type Protocol struct {
	store Store
	gate  Gate
	log   pslog.Logger
	now   func() time.Time

	mu      sync.Mutex
	pending map[schema.ScriptName]Pending
}

// New constructs a Protocol.
func New(store Store, gate Gate, logger pslog.Logger) *Protocol {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Protocol{
		store:   store,
		gate:    gate,
		log:     logger,
		now:     time.Now,
		pending: make(map[schema.ScriptName]Pending),
	}
}

// Save stores code, or queues it when a script of that name already exists
// and the call is not forced.
func (p *Protocol) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	m, err := manifest.Parse(req.Code)
	if err != nil {
		return SaveResult{}, err
	}
	log := p.log.With("script", m.Name, "origin", req.Origin.String())
	if schema.IsReservedName(m.Name) {
		log.Warn("mutation save rejected", "reason", "reserved")
		return SaveResult{}, fmt.Errorf("%w: %s", schema.ErrReservedNamespace, m.Name)
	}
	if err := p.checkGate(req.Origin); err != nil {
		log.Warn("mutation save rejected", "reason", "gate")
		return SaveResult{}, err
	}
	existing, err := p.store.Get(ctx, m.Name)
	exists := err == nil
	if err != nil && !errors.Is(err, schema.ErrScriptNotFound) {
		return SaveResult{}, err
	}
	if exists && existing.Builtin {
		return SaveResult{}, fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, m.Name)
	}
	if exists && !req.Force {
		p.queue(Pending{Kind: KindSave, Name: m.Name, Code: req.Code, Enabled: req.Enabled, Bulk: req.Bulk, Origin: req.Origin.String()})
		log.Info("mutation save queued")
		return SaveResult{Name: m.Name, PendingConfirmation: true, Bulk: req.Bulk}, nil
	}

	script := schema.Script{Enabled: true}
	if exists {
		script = existing
	}
	script = m.Apply(script)
	script.Code = req.Code
	if req.Enabled != nil {
		script.Enabled = *req.Enabled
	}
	created, err := p.store.Put(ctx, script)
	if err != nil {
		log.Warn("mutation save failed", "err", err)
		return SaveResult{}, err
	}
	p.clear(m.Name)
	log.Info("mutation save applied", "created", created)
	return SaveResult{Name: m.Name, NewlyCreated: created, Bulk: req.Bulk}, nil
}

// Rename moves a script, or queues the move when not forced.
func (p *Protocol) Rename(ctx context.Context, req RenameRequest) (Result, error) {
	from, err := schema.NormalizeScriptName(req.From)
	if err != nil {
		return Result{}, err
	}
	to, err := schema.NormalizeScriptName(req.To)
	if err != nil {
		return Result{}, err
	}
	log := p.log.With("script", from, "to", to, "origin", req.Origin.String())
	if schema.IsReservedName(from) {
		log.Warn("mutation rename rejected", "reason", "builtin")
		return Result{}, fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, from)
	}
	if schema.IsReservedName(to) {
		log.Warn("mutation rename rejected", "reason", "reserved")
		return Result{}, fmt.Errorf("%w: %s", schema.ErrReservedNamespace, to)
	}
	if err := p.checkGate(req.Origin); err != nil {
		log.Warn("mutation rename rejected", "reason", "gate")
		return Result{}, err
	}
	ok, err := p.store.Exists(ctx, from)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", schema.ErrScriptNotFound, from)
	}
	if !req.Force {
		p.queue(Pending{Kind: KindRename, Name: from, To: to, Bulk: req.Bulk, Origin: req.Origin.String()})
		log.Info("mutation rename queued")
		return Result{Name: from, To: to, PendingConfirmation: true, Bulk: req.Bulk}, nil
	}
	if err := p.store.Rename(ctx, from, to, true); err != nil {
		log.Warn("mutation rename failed", "err", err)
		return Result{}, err
	}
	p.clear(from)
	log.Info("mutation rename applied")
	return Result{Name: from, To: to, Bulk: req.Bulk}, nil
}

// Delete removes a script, or queues the removal when not forced. Built-in
// protection is checked before anything else.
func (p *Protocol) Delete(ctx context.Context, req DeleteRequest) (Result, error) {
	name, err := schema.NormalizeScriptName(req.Name)
	if err != nil {
		return Result{}, err
	}
	log := p.log.With("script", name, "origin", req.Origin.String())
	if schema.IsReservedName(name) {
		log.Warn("mutation delete rejected", "reason", "builtin")
		return Result{}, fmt.Errorf("%w: %s", schema.ErrBuiltinProtected, name)
	}
	if err := p.checkGate(req.Origin); err != nil {
		log.Warn("mutation delete rejected", "reason", "gate")
		return Result{}, err
	}
	ok, err := p.store.Exists(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", schema.ErrScriptNotFound, name)
	}
	if !req.Force {
		p.queue(Pending{Kind: KindDelete, Name: name, Bulk: req.Bulk, Origin: req.Origin.String()})
		log.Info("mutation delete queued")
		return Result{Name: name, PendingConfirmation: true, Bulk: req.Bulk}, nil
	}
	if err := p.store.Delete(ctx, name); err != nil {
		log.Warn("mutation delete failed", "err", err)
		return Result{}, err
	}
	p.clear(name)
	log.Info("mutation delete applied")
	return Result{Name: name, Bulk: req.Bulk}, nil
}

// ListPending returns queued mutations ordered by name.
func (p *Protocol) ListPending() []Pending {
	p.mu.Lock()
	out := make([]Pending, 0, len(p.pending))
	for _, pending := range p.pending {
		out = append(out, pending)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PendingFor returns the queued mutation for name.
func (p *Protocol) PendingFor(name schema.ScriptName) (Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.pending[name]
	return pending, ok
}

// Confirm applies the mutation queued for name as if it had been forced.
// The queued entry is consumed whether or not applying it succeeds.
func (p *Protocol) Confirm(ctx context.Context, name schema.ScriptName) (any, error) {
	p.mu.Lock()
	pending, ok := p.pending[name]
	delete(p.pending, name)
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrNoPendingMutation, name)
	}
	p.log.Info("mutation confirm", "script", name, "kind", pending.Kind)
	switch pending.Kind {
	case KindSave:
		return p.Save(ctx, SaveRequest{Code: pending.Code, Enabled: pending.Enabled, Force: true, Origin: OriginLocal, Bulk: pending.Bulk})
	case KindRename:
		return p.Rename(ctx, RenameRequest{From: string(pending.Name), To: string(pending.To), Force: true, Origin: OriginLocal, Bulk: pending.Bulk})
	case KindDelete:
		return p.Delete(ctx, DeleteRequest{Name: string(pending.Name), Force: true, Origin: OriginLocal, Bulk: pending.Bulk})
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", pending.Kind)
	}
}

// Discard drops the mutation queued for name.
func (p *Protocol) Discard(name schema.ScriptName) (Pending, error) {
	p.mu.Lock()
	pending, ok := p.pending[name]
	delete(p.pending, name)
	p.mu.Unlock()
	if !ok {
		return Pending{}, fmt.Errorf("%w: %s", schema.ErrNoPendingMutation, name)
	}
	p.log.Info("mutation discard", "script", name, "kind", pending.Kind)
	return pending, nil
}

func (p *Protocol) checkGate(origin Origin) error {
	if origin != OriginRemote {
		return nil
	}
	if p.gate == nil || !p.gate.RemoteMutationEnabled() {
		return schema.ErrRemoteMutationDisabled
	}
	return nil
}

func (p *Protocol) queue(pending Pending) {
	pending.QueuedAt = p.now()
	p.mu.Lock()
	_, replaced := p.pending[pending.Name]
	p.pending[pending.Name] = pending
	p.mu.Unlock()
	if replaced {
		p.log.Debug("mutation pending replaced", "script", pending.Name, "kind", pending.Kind)
	}
}

func (p *Protocol) clear(name schema.ScriptName) {
	p.mu.Lock()
	delete(p.pending, name)
	p.mu.Unlock()
}
