package mutation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/scriptbridge/internal/manifest"
	"pkt.systems/scriptbridge/schema"
)

// ItemResult is the outcome of one item of a bulk call.
type ItemResult struct {
	Success             bool              `json:"success"`
	Error               string            `json:"error,omitempty"`
	NotFound            bool              `json:"notFound,omitempty"`
	Name                schema.ScriptName `json:"name,omitempty"`
	To                  schema.ScriptName `json:"to,omitempty"`
	NewlyCreated        bool              `json:"newlyCreated,omitempty"`
	PendingConfirmation bool              `json:"pendingConfirmation"`
	Bulk                BulkRef           `json:"bulk"`
}

// BulkResult maps each target to its own outcome.
type BulkResult struct {
	BulkID  string                `json:"bulkId"`
	Results map[string]ItemResult `json:"results"`
	Missing []schema.ScriptName   `json:"missing,omitempty"`
}

// RenamePair is one item of a bulk rename.
type RenamePair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BulkSave saves every code item independently and concurrently. Results
// are keyed by script name, or by "#<index>" when the manifest is unusable
// or names a script an earlier item already targets.
func (p *Protocol) BulkSave(ctx context.Context, codes []string, enabled *bool, force bool, origin Origin) BulkResult {
	targets := make([]schema.ScriptName, len(codes))
	for i, code := range codes {
		if m, err := manifest.Parse(code); err == nil {
			targets[i] = m.Name
		}
	}
	return p.runBulk(targets, func(ref BulkRef) (string, ItemResult) {
		code := codes[ref.Index]
		res, err := p.Save(ctx, SaveRequest{Code: code, Enabled: enabled, Force: force, Origin: origin, Bulk: &ref})
		key := string(res.Name)
		if key == "" {
			key = fmt.Sprintf("#%d", ref.Index)
		}
		item := itemFromError(ref, err)
		item.Name = res.Name
		item.NewlyCreated = res.NewlyCreated
		item.PendingConfirmation = res.PendingConfirmation
		return key, item
	})
}

// BulkRename renames every pair independently and concurrently. Results are
// keyed by the source name as given.
func (p *Protocol) BulkRename(ctx context.Context, pairs []RenamePair, force bool, origin Origin) BulkResult {
	targets := make([]schema.ScriptName, len(pairs))
	for i, pair := range pairs {
		targets[i] = normalizedOrRaw(pair.From)
	}
	result := p.runBulk(targets, func(ref BulkRef) (string, ItemResult) {
		pair := pairs[ref.Index]
		res, err := p.Rename(ctx, RenameRequest{From: pair.From, To: pair.To, Force: force, Origin: origin, Bulk: &ref})
		item := itemFromError(ref, err)
		item.Name = res.Name
		item.To = res.To
		item.PendingConfirmation = res.PendingConfirmation
		if item.NotFound && item.Name == "" {
			item.Name = normalizedOrRaw(pair.From)
		}
		return pair.From, item
	})
	result.Missing = missing(result)
	return result
}

// BulkDelete deletes every name independently and concurrently. Results are
// keyed by the name as given; names that do not exist are also collected in
// Missing.
func (p *Protocol) BulkDelete(ctx context.Context, names []string, force bool, origin Origin) BulkResult {
	targets := make([]schema.ScriptName, len(names))
	for i, name := range names {
		targets[i] = normalizedOrRaw(name)
	}
	result := p.runBulk(targets, func(ref BulkRef) (string, ItemResult) {
		name := names[ref.Index]
		res, err := p.Delete(ctx, DeleteRequest{Name: name, Force: force, Origin: origin, Bulk: &ref})
		item := itemFromError(ref, err)
		item.Name = res.Name
		item.PendingConfirmation = res.PendingConfirmation
		if item.NotFound && item.Name == "" {
			item.Name = normalizedOrRaw(name)
		}
		return name, item
	})
	result.Missing = missing(result)
	return result
}

// MissingError returns the aggregate not-found condition for a bulk result,
// or nil when every target existed.
func (r BulkResult) MissingError() error {
	if len(r.Missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Missing))
	for _, name := range r.Missing {
		names = append(names, string(name))
	}
	return fmt.Errorf("%w: %s", schema.ErrSomeNotFound, strings.Join(names, ", "))
}

// runBulk runs fn once per target. Only the first item naming a target
// runs; later items naming it fail with ErrInvalidRequest under "#<index>".
// Empty targets are never treated as duplicates.
func (p *Protocol) runBulk(targets []schema.ScriptName, fn func(ref BulkRef) (string, ItemResult)) BulkResult {
	count := len(targets)
	result := BulkResult{BulkID: uuid.NewString(), Results: make(map[string]ItemResult, count)}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	seen := make(map[schema.ScriptName]int, count)
	for i, target := range targets {
		ref := BulkRef{ID: result.BulkID, Index: i, Count: count}
		if first, dup := seen[target]; dup && target != "" {
			item := itemFromError(ref, fmt.Errorf("%w: %s already targeted by item %d", schema.ErrInvalidRequest, target, first))
			item.Name = target
			mu.Lock()
			result.Results[fmt.Sprintf("#%d", i)] = item
			mu.Unlock()
			continue
		}
		seen[target] = i
		g.Go(func() error {
			key, item := fn(ref)
			mu.Lock()
			result.Results[key] = item
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	p.log.Debug("mutation bulk done", "bulk", result.BulkID, "count", count)
	return result
}

func itemFromError(ref BulkRef, err error) ItemResult {
	item := ItemResult{Success: err == nil, Bulk: ref}
	if err != nil {
		item.Error = err.Error()
		item.NotFound = schema.IsNotFound(err)
	}
	return item
}

func normalizedOrRaw(name string) schema.ScriptName {
	if normalized, err := schema.NormalizeScriptName(name); err == nil {
		return normalized
	}
	return schema.ScriptName(name)
}

func missing(result BulkResult) []schema.ScriptName {
	var out []schema.ScriptName
	for _, item := range result.Results {
		if item.NotFound {
			out = append(out, item.Name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
