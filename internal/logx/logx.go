package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/schema"
)

type contextKey int

const (
	tabKey contextKey = iota
	scriptKey
)

// WithTab annotates the logger with the tab id if present.
func WithTab(ctx context.Context, tabID schema.TabID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithTabScript annotates the logger with tab and script identifiers.
func WithTabScript(ctx context.Context, tabID schema.TabID, name schema.ScriptName) pslog.Logger {
	log := WithTab(ctx, tabID)
	if name != "" {
		if current, ok := ctx.Value(scriptKey).(schema.ScriptName); ok && current == name {
			return log
		}
		log = log.With("script", name)
	}
	return log
}

// WithEndpoint annotates the logger with an evaluation endpoint when set.
func WithEndpoint(log pslog.Logger, endpoint schema.Endpoint) pslog.Logger {
	if endpoint != "" {
		log = log.With("endpoint", endpoint)
	}
	return log
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithScript stores the script marker on the context for log de-duplication.
func ContextWithScript(ctx context.Context, name schema.ScriptName) context.Context {
	if ctx == nil || name == "" {
		return ctx
	}
	return context.WithValue(ctx, scriptKey, name)
}

// ContextWithTabLogger attaches the logger and tab marker to the context.
func ContextWithTabLogger(ctx context.Context, log pslog.Logger, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTab(ctx, tabID)
}
