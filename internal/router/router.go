// Package router demultiplexes envelopes by (source, type) and correlates
// responses by request id.
//
// The dispatch table is fixed at construction over the full product of the
// source set and the registered types. An envelope whose pair has no entry,
// or whose claimed source may not arrive on its channel, is dropped without
// a response.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/internal/logx"
	"pkt.systems/scriptbridge/internal/metrics"
	"pkt.systems/scriptbridge/schema"
)

// Channel is the transport an envelope arrived on.
type Channel int

const (
	// ChannelPage carries envelopes posted by untrusted page content.
	ChannelPage Channel = iota
	// ChannelPrivileged carries envelopes from local UIs, the CLI and the
	// evaluation relay.
	ChannelPrivileged
)

func (c Channel) String() string {
	switch c {
	case ChannelPage:
		return "page"
	case ChannelPrivileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// channelSources lists the sources each channel may carry.
var channelSources = map[Channel]map[schema.Source]bool{
	ChannelPage:       {schema.SourcePage: true},
	ChannelPrivileged: {schema.SourcePanel: true, schema.SourcePopup: true, schema.SourceEval: true},
}

// Request is a routed envelope.
type Request struct {
	Channel   Channel
	Source    schema.Source
	Type      schema.MessageType
	RequestID schema.RequestID
	Payload   json.RawMessage
	Tab       schema.TabContext
}

// Decode unmarshals the payload into dst.
func (r Request) Decode(dst any) error {
	return schema.Envelope{Payload: r.Payload}.DecodePayload(dst)
}

// Handler serves one operation. A non-nil result is merged into the
// response even when err is set.
type Handler func(ctx context.Context, req Request) (any, error)

// Route registers a handler for a type and the sources allowed to send it.
type Route struct {
	Type    schema.MessageType
	Sources []schema.Source
	Handler Handler
}

type routeKey struct {
	source schema.Source
	typ    schema.MessageType
}

// Router is the immutable dispatch table.
type Router struct {
	table   map[routeKey]Handler
	log     pslog.Logger
	metrics *metrics.Metrics
}

// New builds the dispatch table from routes.
func New(logger pslog.Logger, m *metrics.Metrics, routes ...Route) (*Router, error) {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	registered := make(map[routeKey]Handler)
	for _, route := range routes {
		if route.Type == "" || route.Handler == nil {
			return nil, fmt.Errorf("route %q: type and handler are required", route.Type)
		}
		for _, source := range route.Sources {
			if !source.Valid() || source == schema.SourceRouter {
				return nil, fmt.Errorf("route %q: source %q may not send requests", route.Type, source)
			}
			key := routeKey{source: source, typ: route.Type}
			if _, dup := registered[key]; dup {
				return nil, fmt.Errorf("route %q: duplicate registration for %s", route.Type, source)
			}
			registered[key] = route.Handler
		}
	}
	logger.Debug("router table built", "routes", len(registered))
	return &Router{table: registered, log: logger, metrics: m}, nil
}

// Allowed reports whether an envelope with source and typ would be
// dispatched when arriving on ch.
func (r *Router) Allowed(ch Channel, source schema.Source, typ schema.MessageType) bool {
	if !channelSources[ch][source] {
		return false
	}
	_, ok := r.table[routeKey{source: source, typ: typ}]
	return ok
}

// Dispatch routes one raw envelope. It returns the encoded response and
// true, or nil and false when the envelope is dropped.
func (r *Router) Dispatch(ctx context.Context, ch Channel, tab schema.TabContext, raw []byte) ([]byte, bool) {
	if !gjson.ValidBytes(raw) {
		r.drop(ch, "malformed")
		return nil, false
	}
	env := gjson.ParseBytes(raw)
	if !env.IsObject() {
		r.drop(ch, "malformed")
		return nil, false
	}
	source := schema.Source(env.Get("source").String())
	typ := schema.MessageType(env.Get("type").String())
	if !channelSources[ch][source] {
		r.drop(ch, "source")
		return nil, false
	}
	handler, ok := r.table[routeKey{source: source, typ: typ}]
	if !ok {
		r.drop(ch, "type")
		return nil, false
	}

	req := Request{
		Channel:   ch,
		Source:    source,
		Type:      typ,
		RequestID: schema.RequestID(env.Get("requestId").String()),
		Tab:       tab,
	}
	if payload := env.Get("payload"); payload.Exists() {
		req.Payload = json.RawMessage(payload.Raw)
	}

	log := r.log.With("type", typ, "source", source, "request", req.RequestID)
	if tab.ID != "" {
		log = log.With("tab", tab.ID)
	}
	start := time.Now()
	result, err := r.invoke(logx.ContextWithTabLogger(ctx, log, tab.ID), handler, req)
	elapsed := time.Since(start)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		log.Debug("router dispatch failed", "err", err, "elapsed", elapsed)
	} else {
		log.Trace("router dispatch ok", "elapsed", elapsed)
	}
	r.metrics.Envelope(ch.String(), typ, outcome, elapsed)

	resp, encErr := encodeResponse(typ, req.RequestID, result, err)
	if encErr != nil {
		log.Warn("router encode failed", "err", encErr)
		resp, _ = encodeResponse(typ, req.RequestID, nil, encErr)
	}
	return resp, true
}

func (r *Router) invoke(ctx context.Context, handler Handler, req Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, req)
}

func (r *Router) drop(ch Channel, reason string) {
	r.log.Debug("router envelope dropped", "channel", ch.String(), "reason", reason)
	r.metrics.Envelope(ch.String(), "", metrics.OutcomeDropped, 0)
}

var reservedKeys = map[string]bool{"source": true, "type": true, "requestId": true, "success": true, "error": true}

// encodeResponse builds {source, type, requestId, success, error?, ...result}.
func encodeResponse(typ schema.MessageType, id schema.RequestID, result any, handlerErr error) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "source", schema.SourceRouter); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "type", schema.ResponseType(typ)); err != nil {
		return nil, err
	}
	if id != "" {
		if out, err = sjson.SetBytes(out, "requestId", id); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetBytes(out, "success", handlerErr == nil); err != nil {
		return nil, err
	}
	if handlerErr != nil {
		if out, err = sjson.SetBytes(out, "error", handlerErr.Error()); err != nil {
			return nil, err
		}
		if schema.IsNotFound(handlerErr) {
			if out, err = sjson.SetBytes(out, "notFound", true); err != nil {
				return nil, err
			}
		}
	}
	if result == nil {
		return out, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return sjson.SetRawBytes(out, "result", data)
	}
	var mergeErr error
	parsed.ForEach(func(key, value gjson.Result) bool {
		if reservedKeys[key.String()] {
			return true
		}
		out, mergeErr = sjson.SetRawBytes(out, escapePath(key.String()), []byte(value.Raw))
		return mergeErr == nil
	})
	if mergeErr != nil {
		return nil, mergeErr
	}
	return out, nil
}

func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
