package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FieldComponent is the structured key naming the emitting subsystem.
	FieldComponent = "component"
	// FieldContractID is the structured key for contract identifiers.
	FieldContractID = "contract_id"
	// FieldCampaignID is the structured key for campaign identifiers.
	FieldCampaignID = "campaign_id"
	// FieldDisputeID is the structured key for dispute identifiers.
	FieldDisputeID = "dispute_id"
	// FieldEventID is the structured key for processor event identifiers.
	FieldEventID = "event_id"
	// FieldJob is the structured key for scheduled job names.
	FieldJob = "job"
	// FieldRequestID is the structured key for HTTP request identifiers.
	FieldRequestID = "request_id"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	OutputPaths []string
	Development bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(opts.Level))

	out, err := openWriters(opts.OutputPaths)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: opts.Development || levelVar.Level() <= slog.LevelDebug,
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nil
	case "console", "text":
		return slog.New(slog.NewTextHandler(out, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(discardHandler{})
}

// NewComponentLogger tags logger with a component attribute.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(slog.String(FieldComponent, component))
}

// Or returns logger, or a no-op logger when it is nil.
func Or(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	return logger
}

// Error is a convenience attribute for errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func openWriters(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stderr, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch p {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("ensure log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
