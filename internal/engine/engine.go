package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowline/internal/apperr"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/documents"
	"escrowline/internal/events"
	"escrowline/internal/logging"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
	"escrowline/internal/repo"
	"escrowline/internal/storage"
)

// Engine owns every state transition of campaigns, offers, contracts,
// deliverables, payouts and disputes. Multi-row changes run in one SQLite
// transaction; processor, storage, document and notification calls never do.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Processor processor.Processor
	Evidence  storage.Store
	Documents documents.Renderer
	Notifier  notify.Service
	Logger    *slog.Logger
	Now       func() time.Time
}

// New builds an engine with filesystem evidence and document stores rooted
// at the configured paths. Callers set Processor before use.
func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Config:    cfg,
		Evidence:  storage.FS{Root: cfg.Storage.EvidenceRoot},
		Documents: documents.TextRenderer{Store: storage.FS{Root: cfg.Storage.DocumentsRoot}, Currency: cfg.Platform.Currency},
		Notifier:  notify.Noop{},
		Logger:    logging.NewNop(),
		Now:       time.Now,
	}
}

// timeLayout is the stored timestamp format; it sorts lexically in UTC.
const timeLayout = time.RFC3339

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) ts() string {
	return e.now().Format(timeLayout)
}

func (e Engine) log() *slog.Logger {
	return logging.Or(e.Logger)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.RunTx(ctx, e.DB, fn)
}

func (e Engine) processor() (processor.Processor, error) {
	if e.Processor == nil {
		return nil, apperr.Internal("processor_unavailable", "payment processor not configured", nil)
	}
	return e.Processor, nil
}

// notify delivers n best-effort; failures are logged and never returned.
func (e Engine) notify(ctx context.Context, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	if n.CreatedAt == "" {
		n.CreatedAt = e.ts()
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		e.log().Warn("notification failed",
			slog.String("kind", n.Kind),
			slog.String(logging.FieldContractID, n.ContractID),
			logging.Error(err))
	}
}

// notFound converts repo.ErrNotFound into a NOT_FOUND error for kind.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(kind+"_not_found", fmt.Sprintf("%s %s not found", kind, id))
	}
	return err
}

func (e Engine) loadContract(ctx context.Context, tx *sql.Tx, id string) (contractRow, error) {
	c, err := e.Repo.GetContract(ctx, tx, id)
	if err != nil {
		return contractRow{}, notFound(err, "contract", id)
	}
	d, err := e.Repo.GetDeliverable(ctx, tx, id)
	if err != nil {
		return contractRow{}, notFound(err, "deliverable", id)
	}
	return contractRow{Contract: c, Deliverable: d}, nil
}

func timePtr(s string) *string {
	return &s
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
