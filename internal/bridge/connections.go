package bridge

import (
	"context"
	"fmt"
	"sort"

	"pkt.systems/scriptbridge/internal/evaltransport"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/schema"
)

type tabPayload struct {
	TabID    schema.TabID    `json:"tabId"`
	Endpoint schema.Endpoint `json:"endpoint"`
	Enabled  *bool           `json:"enabled"`
}

func decodeTab(req router.Request) (tabPayload, error) {
	var p tabPayload
	if err := req.Decode(&p); err != nil {
		return p, err
	}
	if p.TabID == "" {
		return p, fmt.Errorf("%w: tabId is required", schema.ErrInvalidRequest)
	}
	return p, nil
}

func (b *Bridge) connectTab(ctx context.Context, req router.Request) (any, error) {
	p, err := decodeTab(req)
	if err != nil {
		return nil, err
	}
	return reply(b.deps.Connections.Connect(ctx, p.TabID, p.Endpoint))
}

func (b *Bridge) disconnectTab(_ context.Context, req router.Request) (any, error) {
	p, err := decodeTab(req)
	if err != nil {
		return nil, err
	}
	return reply(b.deps.Connections.Disconnect(p.TabID))
}

func (b *Bridge) setAutoReconnect(_ context.Context, req router.Request) (any, error) {
	p, err := decodeTab(req)
	if err != nil {
		return nil, err
	}
	if p.Enabled == nil {
		return nil, fmt.Errorf("%w: enabled is required", schema.ErrInvalidRequest)
	}
	return reply(b.deps.Connections.SetAutoReconnect(p.TabID, *p.Enabled))
}

// listConnections reports every known tab. Tabs that never connected show
// up as disconnected with the global auto-reconnect default.
func (b *Bridge) listConnections(context.Context, router.Request) (any, error) {
	known := make(map[schema.TabID]schema.ConnectionSnapshot)
	for _, snap := range b.deps.Connections.List() {
		known[snap.TabID] = snap
	}
	auto := false
	if b.deps.Settings != nil {
		auto = b.deps.Settings.Get().AutoReconnect
	}
	if b.deps.Tabs != nil {
		for _, tab := range b.deps.Tabs.Tabs() {
			snap, ok := known[tab.ID]
			if !ok {
				snap = schema.ConnectionSnapshot{TabID: tab.ID, Status: schema.StatusDisconnected, AutoReconnect: auto}
			}
			snap.URL = tab.URL
			known[tab.ID] = snap
		}
	}
	out := make([]schema.ConnectionSnapshot, 0, len(known))
	for _, snap := range known {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return map[string]any{"connections": out}, nil
}

type settingsView struct {
	RemoteMutationEnabled bool                       `json:"remoteMutationEnabled"`
	AutoReconnect         bool                       `json:"autoReconnect"`
	Endpoints             map[string]schema.Endpoint `json:"endpoints"`
}

func viewOf(s schema.Settings) settingsView {
	endpoints := s.Endpoints
	if endpoints == nil {
		endpoints = map[string]schema.Endpoint{}
	}
	return settingsView{RemoteMutationEnabled: s.RemoteMutationEnabled, AutoReconnect: s.AutoReconnect, Endpoints: endpoints}
}

func (b *Bridge) getSettings(context.Context, router.Request) (any, error) {
	return viewOf(b.deps.Settings.Get()), nil
}

// updateSettings applies only the fields present in the payload. A null
// endpoint value forgets that host.
func (b *Bridge) updateSettings(_ context.Context, req router.Request) (any, error) {
	var p struct {
		RemoteMutationEnabled *bool                       `json:"remoteMutationEnabled"`
		AutoReconnect         *bool                       `json:"autoReconnect"`
		Endpoints             map[string]*schema.Endpoint `json:"endpoints"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	for host, endpoint := range p.Endpoints {
		if host == "" {
			return nil, fmt.Errorf("%w: empty endpoint host", schema.ErrInvalidRequest)
		}
		if endpoint != nil {
			if err := evaltransport.ValidateEndpoint(*endpoint); err != nil {
				return nil, err
			}
		}
	}
	updated, err := b.deps.Settings.Update(func(s *schema.Settings) {
		if p.RemoteMutationEnabled != nil {
			s.RemoteMutationEnabled = *p.RemoteMutationEnabled
		}
		if p.AutoReconnect != nil {
			s.AutoReconnect = *p.AutoReconnect
		}
		for host, endpoint := range p.Endpoints {
			if endpoint == nil {
				delete(s.Endpoints, host)
				continue
			}
			if s.Endpoints == nil {
				s.Endpoints = make(map[string]schema.Endpoint)
			}
			s.Endpoints[host] = *endpoint
		}
	})
	if err != nil {
		return nil, err
	}
	if p.RemoteMutationEnabled != nil {
		b.log.Info("bridge remote mutation toggled", "enabled", updated.RemoteMutationEnabled)
	}
	return viewOf(updated), nil
}
