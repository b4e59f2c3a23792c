// Package db persists per-workspace terminal layouts in SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/peterje/ptyhost/internal/protocol"
)

var ErrNotFound = errors.New("not found")

// Layout is the tab arrangement a workspace last saved.
type Layout struct {
	WorkspaceID string
	Tabs        []protocol.RawTerminalTabLayout
	Background  []int
	UpdatedAt   time.Time
}

// Store provides layout persistence backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS terminal_layouts (
		workspace_id TEXT PRIMARY KEY,
		tabs_json TEXT NOT NULL DEFAULT '[]',
		background_json TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// SetLayout replaces the stored layout for a workspace.
func (s *Store) SetLayout(ctx context.Context, workspaceID string, tabs []protocol.RawTerminalTabLayout, background []int) error {
	if tabs == nil {
		tabs = []protocol.RawTerminalTabLayout{}
	}
	if background == nil {
		background = []int{}
	}
	tabsJSON, err := json.Marshal(tabs)
	if err != nil {
		return fmt.Errorf("encode tabs: %w", err)
	}
	bgJSON, err := json.Marshal(background)
	if err != nil {
		return fmt.Errorf("encode background: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO terminal_layouts(workspace_id, tabs_json, background_json, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(workspace_id) DO UPDATE SET
	tabs_json=excluded.tabs_json,
	background_json=excluded.background_json,
	updated_at=excluded.updated_at`,
		workspaceID, string(tabsJSON), string(bgJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert layout: %w", err)
	}
	return nil
}

// Layout returns the stored layout for a workspace, or ErrNotFound.
func (s *Store) Layout(ctx context.Context, workspaceID string) (*Layout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tabsJSON, bgJSON, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT tabs_json, background_json, updated_at FROM terminal_layouts WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&tabsJSON, &bgJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query layout: %w", err)
	}

	l := &Layout{WorkspaceID: workspaceID}
	if err := json.Unmarshal([]byte(tabsJSON), &l.Tabs); err != nil {
		return nil, fmt.Errorf("decode tabs: %w", err)
	}
	if err := json.Unmarshal([]byte(bgJSON), &l.Background); err != nil {
		return nil, fmt.Errorf("decode background: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		l.UpdatedAt = t
	}
	return l, nil
}

// DeleteLayout removes a workspace's layout. Deleting a missing layout is
// not an error.
func (s *Store) DeleteLayout(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM terminal_layouts WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete layout: %w", err)
	}
	return nil
}

// Workspaces lists the workspaces with a stored layout, most recent first.
func (s *Store) Workspaces(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT workspace_id FROM terminal_layouts ORDER BY updated_at DESC, workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("list layouts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan layout: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
