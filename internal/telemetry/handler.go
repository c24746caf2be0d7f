package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// logScope names the instrumentation scope of bridged records.
const logScope = "github.com/njoerd114/calrelay"

// teeHandler sends each record to the local handler and to the OTel bridge.
// The local handler's level decides for both.
type teeHandler struct {
	local  slog.Handler
	bridge slog.Handler
}

// NewLogHandler wraps next so that records also reach provider. A nil
// provider selects the global one installed by [Setup].
func NewLogHandler(next slog.Handler, provider otellog.LoggerProvider) slog.Handler {
	if provider == nil {
		provider = global.GetLoggerProvider()
	}
	return &teeHandler{
		local:  next,
		bridge: otelslog.NewHandler(logScope, otelslog.WithLoggerProvider(provider)),
	}
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.local.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var bridgeErr error
	if h.bridge.Enabled(ctx, r.Level) {
		bridgeErr = h.bridge.Handle(ctx, r.Clone())
	}
	return errors.Join(h.local.Handle(ctx, r), bridgeErr)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{local: h.local.WithAttrs(attrs), bridge: h.bridge.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &teeHandler{local: h.local.WithGroup(name), bridge: h.bridge.WithGroup(name)}
}
