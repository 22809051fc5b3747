// Package store persists tiles the server confirmed to be missing, using SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/hips"
	"github.com/lsst-epo/aladin-lite/pkg/logger"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store records missing tiles per source.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log logger.Logger
}

// NewStore opens (or creates) the database at dbPath and applies migrations.
func NewStore(dbPath string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between the pool's connections
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	log.Info("Missing tile store opened", "path", dbPath)
	return &Store{db: db, log: log}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// MissingTiles returns the cells recorded as missing for src.
func (s *Store) MissingTiles(ctx context.Context, src hips.Source) ([]healpix.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depth, pix FROM missing_tiles
		WHERE root_url = ? AND format = ?
		ORDER BY depth, pix
	`, src.RootURL, src.Format.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query missing tiles: %w", err)
	}
	defer rows.Close()

	var cells []healpix.Cell
	for rows.Next() {
		var depth int
		var pix int64
		if err := rows.Scan(&depth, &pix); err != nil {
			return nil, fmt.Errorf("failed to scan missing tile: %w", err)
		}
		c, err := healpix.NewCell(depth, uint64(pix))
		if err != nil {
			s.log.Warn("Skipping invalid missing tile row", "source", src.RootURL, "depth", depth, "pix", pix)
			continue
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// RecordMissing stores c as missing for src. Recording twice refreshes the timestamp.
func (s *Store) RecordMissing(ctx context.Context, src hips.Source, c healpix.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missing_tiles (root_url, format, depth, pix, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(root_url, format, depth, pix) DO UPDATE SET recorded_at = excluded.recorded_at
	`, src.RootURL, src.Format.String(), int(c.Depth), int64(c.Index), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record missing tile: %w", err)
	}
	return nil
}

// ForgetSource deletes every marker of src.
func (s *Store) ForgetSource(ctx context.Context, src hips.Source) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM missing_tiles WHERE root_url = ? AND format = ?
	`, src.RootURL, src.Format.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteExpired deletes markers older than retentionDays; surveys gain tiles over time.
func (s *Store) DeleteExpired(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM missing_tiles WHERE recorded_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
