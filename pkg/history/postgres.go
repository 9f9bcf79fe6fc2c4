package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Entry kinds stored in history_entries.kind.
const (
	kindUserMessage      = "user_message"
	kindAssistantMessage = "assistant_message"
	kindPlanCreation     = "plan_creation"
)

// Postgres is the production history sink. Migrations are embedded and
// applied on construction.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database, verifies connectivity and applies
// pending migrations.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection and applies migrations.
// Used by integration tests.
func NewPostgresFromDB(db *sql.DB) (*Postgres, error) {
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *Postgres) RecordUserMessage(ctx context.Context, sessionID, userID, content string) error {
	return p.insert(ctx, sessionID, userID, kindUserMessage, content, nil)
}

func (p *Postgres) RecordAssistantMessage(ctx context.Context, sessionID, userID, content string) error {
	return p.insert(ctx, sessionID, userID, kindAssistantMessage, content, nil)
}

func (p *Postgres) RecordPlanCreation(ctx context.Context, sessionID, userID, title string, actions []string) error {
	return p.insert(ctx, sessionID, userID, kindPlanCreation, title, actions)
}

func (p *Postgres) insert(ctx context.Context, sessionID, userID, kind, content string, actions []string) error {
	var actionsJSON any
	if actions != nil {
		data, err := json.Marshal(actions)
		if err != nil {
			return fmt.Errorf("marshal actions: %w", err)
		}
		actionsJSON = string(data)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO history_entries (session_id, user_id, kind, content, actions)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, userID, kind, content, actionsJSON)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
