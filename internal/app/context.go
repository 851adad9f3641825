package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"robotfleet/internal/config"
	"robotfleet/internal/db"
	"robotfleet/internal/engine"
	"robotfleet/internal/events"
	"robotfleet/internal/logging"
	"robotfleet/internal/migrate"
	"robotfleet/internal/repo"
)

// Context bundles everything a command needs for one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
}

// Open loads fleet.yml (defaults when absent), opens and migrates the
// workspace database and wires the engine on top of it. A nil logger is
// built from the config's log settings.
func Open(ctx context.Context, workspace string, logger *zap.Logger) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logger == nil {
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	r := repo.Repo{DB: conn, Events: events.Writer{}}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Repo:      r,
		Engine:    engine.New(r, logger.Named("engine")),
	}, nil
}

func (c *Context) Close() error {
	_ = c.Logger.Sync()
	return c.DB.Close()
}
