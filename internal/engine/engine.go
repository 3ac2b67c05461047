package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custodyline/internal/auditlog"
	"custodyline/internal/config"
	"custodyline/internal/domain"
	"custodyline/internal/engine/auth"
	"custodyline/internal/escrow"
	"custodyline/internal/metrics"
	"custodyline/internal/notify"
	"custodyline/internal/repo"
)

// Engine owns every state transition on contracts and investor agreements.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Policy    auth.Policy
	Custodian escrow.Custodian
	// Notifier is always invoked asynchronously; its errors never reach callers.
	Notifier      notify.Dispatcher
	NotifyTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// New builds an engine whose only custodian is the project pool. Gateway
// custodians and notifiers are wired by the app package.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:            db,
		Repo:          r,
		Config:        cfg,
		Policy:        auth.Policy{ClientOnlyFaultTypes: cfg.Termination.ClientOnlyFaultTypes, AdminRole: cfg.Auth.AdminRole},
		Notifier:      notify.Noop{},
		NotifyTimeout: cfg.Notify.Timeout,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           time.Now,
	}
	e.Custodian = escrow.Router{Pool: escrow.Pool{Ledger: r, Now: e.now}}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) audit() auditlog.Writer {
	return auditlog.Writer{DB: e.DB, Now: e.now}
}

func (e Engine) reasonBounds() (int, int) {
	lo, hi := 10, 2000
	if e.Config != nil {
		if e.Config.Termination.ReasonMinLength > 0 {
			lo = e.Config.Termination.ReasonMinLength
		}
		if e.Config.Termination.ReasonMaxLength > 0 {
			hi = e.Config.Termination.ReasonMaxLength
		}
	}
	return lo, hi
}

// notify hands evt to the dispatcher on a separate goroutine and returns a
// channel closed once delivery finishes.
func (e Engine) notify(ctx context.Context, evt notify.Event) <-chan struct{} {
	if evt.TS == "" {
		evt.TS = e.timestamp()
	}
	a := notify.Async{
		Next:    e.Notifier,
		Timeout: e.NotifyTimeout,
		Logger:  e.logger(),
		OnFailure: func(notify.Event, error) {
			metrics.NotificationsFailedTotal.Inc()
		},
	}
	return a.Go(ctx, evt)
}

// ListLogs returns performance log entries. Parties may read their own
// contract or agreement; pool logs and listing across subjects need the
// admin role.
func (e Engine) ListLogs(ctx context.Context, actorID string, roles []string, f auditlog.Filter) (PerformanceLogPage, error) {
	if actorID == "" {
		return PerformanceLogPage{}, unauthorized()
	}
	isParty := false
	if f.SubjectID != "" {
		switch f.SubjectKind {
		case auditlog.SubjectContract:
			c, err := e.Repo.GetContract(ctx, nil, f.SubjectID)
			if errors.Is(err, repo.ErrNotFound) {
				return PerformanceLogPage{}, notFound("contract", f.SubjectID)
			}
			if err != nil {
				return PerformanceLogPage{}, err
			}
			isParty = c.IsParty(actorID)
		case auditlog.SubjectAgreement:
			a, err := e.Repo.GetAgreement(ctx, nil, f.SubjectID)
			if errors.Is(err, repo.ErrNotFound) {
				return PerformanceLogPage{}, notFound("agreement", f.SubjectID)
			}
			if err != nil {
				return PerformanceLogPage{}, err
			}
			isParty = actorID == a.FounderID || actorID == a.InvestorID
		case auditlog.SubjectPool:
			if _, err := e.Repo.GetPool(ctx, nil, f.SubjectID); errors.Is(err, repo.ErrNotFound) {
				return PerformanceLogPage{}, notFound("pool", f.SubjectID)
			} else if err != nil {
				return PerformanceLogPage{}, err
			}
		default:
			return PerformanceLogPage{}, newError(KindValidation, "subject_kind must be contract, agreement or pool when subject_id is set")
		}
	}
	if err := e.Policy.CanReadLogs(roles, isParty); err != nil {
		return PerformanceLogPage{}, forbidden(err)
	}
	logs, err := e.audit().List(ctx, f)
	if err != nil {
		return PerformanceLogPage{}, err
	}
	page := PerformanceLogPage{Items: logs}
	if f.Limit > 0 && len(logs) == f.Limit {
		page.NextCursor = logs[len(logs)-1].ID
	}
	return page, nil
}

type PerformanceLogPage struct {
	Items      []domain.PerformanceLog `json:"items"`
	NextCursor int64                   `json:"next_cursor,omitempty"`
}

func newID() string {
	return uuid.NewString()
}
