package app

import (
	"database/sql"
	"fmt"

	"humanrpc/internal/config"
	"humanrpc/internal/db"
	"humanrpc/internal/engine"
	"humanrpc/internal/migrate"
)

// App bundles the open store, loaded config, and engine for one workspace.
// CLI commands and the server both bootstrap through here.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open resolves the workspace: ensures the data directory, opens the store,
// applies pending migrations, and loads humanrpc.yml falling back to
// defaults when the file is absent.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
