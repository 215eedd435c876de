package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured log field keys shared across packages.
const (
	KeyComponent  = "component"
	KeyStateID    = "stateId"
	KeyOperation  = "operation"
	KeyCommandID  = "commandId"
	KeyCommand    = "command"
	KeyUpdateID   = "updateId"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// routingHandler forwards records to whatever handler Init installed last.
// Loggers created at package init keep their attrs and groups and still see
// the handler configured later.
type routingHandler struct {
	target *atomic.Pointer[slog.Handler]
	chain  []derivation
}

// derivation is one WithAttrs or WithGroup call, replayed in order.
type derivation struct {
	attrs []slog.Attr
	group string
}

func (h *routingHandler) resolve() slog.Handler {
	handler := *h.target.Load()
	for _, d := range h.chain {
		if d.group != "" {
			handler = handler.WithGroup(d.group)
		} else {
			handler = handler.WithAttrs(d.attrs)
		}
	}
	return handler
}

func (h *routingHandler) derive(d derivation) *routingHandler {
	chain := make([]derivation, 0, len(h.chain)+1)
	chain = append(chain, h.chain...)
	return &routingHandler{target: h.target, chain: append(chain, d)}
}

func (h *routingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *routingHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *routingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.derive(derivation{attrs: attrs})
}

func (h *routingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(derivation{group: name})
}

var (
	current     atomic.Pointer[slog.Handler]
	rootHandler = &routingHandler{target: &current}
	rootLogger  = slog.New(rootHandler)
)

func init() {
	var h slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	current.Store(&h)
	slog.SetDefault(rootLogger)
}

// Init configures the process-wide handler. Call once after config is loaded.
// format is "json" or "text"; level is "debug", "info", "warn" or "error".
// A nil output writes to stdout.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	current.Store(&handler)
	slog.SetDefault(rootLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return rootLogger.With(slog.String(KeyComponent, component))
}

// WithCommand returns a child logger carrying remote command correlation fields.
func WithCommand(logger *slog.Logger, cmdID, cmdType string) *slog.Logger {
	return logger.With(
		slog.String(KeyCommandID, cmdID),
		slog.String(KeyCommand, cmdType),
	)
}

// NewContext returns a context carrying logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from ctx, falling back to the root logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return rootLogger
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
