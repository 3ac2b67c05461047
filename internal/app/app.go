package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/escrow"
	"custodyline/internal/gateway"
	"custodyline/internal/migrate"
	"custodyline/internal/notify"
)

type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *slog.Logger
}

// App is an opened ledger plus a fully wired engine.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open loads config, opens and migrates the ledger, and wires custodians and
// notifiers into the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &App{DB: conn, Config: cfg, Engine: Wire(conn, cfg, opts.Logger)}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// LoadConfig reads an explicit config file, or the workspace's, or defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Wire builds an engine over conn using cfg.
func Wire(conn *sql.DB, cfg *config.Config, logger *slog.Logger) engine.Engine {
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	router := escrow.Router{
		Pool:     escrow.Pool{Ledger: eng.Repo, Now: eng.Now},
		Gateways: map[domain.PaymentMethod]escrow.Custodian{},
	}
	for name, gw := range eng.Config.Gateways {
		client := gateway.New(name, gw.BaseURL, gw.APIKey, gw.Timeout)
		router.Gateways[domain.PaymentMethod(name)] = escrow.Gateway{Client: client}
	}
	eng.Custodian = router
	eng.Notifier = Notifier(eng.Config)
	return eng
}

// Notifier returns the dispatcher configured for cfg.
func Notifier(cfg *config.Config) notify.Dispatcher {
	if cfg == nil || len(cfg.Notify.Webhooks) == 0 {
		return notify.Noop{}
	}
	targets := make([]notify.WebhookTarget, 0, len(cfg.Notify.Webhooks))
	for _, wh := range cfg.Notify.Webhooks {
		targets = append(targets, notify.WebhookTarget{URL: wh.URL, Secret: wh.Secret, Events: wh.Events})
	}
	return notify.Webhook{Targets: targets, Client: &http.Client{Timeout: cfg.Notify.Timeout}}
}
