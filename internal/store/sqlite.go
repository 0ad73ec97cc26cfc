package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite keeps space status and the transition log in a local database.
type SQLite struct {
	db *sql.DB
}

// sqliteDSN applies the connection pragmas through the driver so every
// pooled connection gets them.
func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// it to the latest schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLite{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Store", "SQLite store ready at %s", path)
	return s, nil
}

func (s *SQLite) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = logger.Migrate{}
	// m.Close would close s.db through the driver.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLite) SchemaVersion(ctx context.Context) (uint, error) {
	var v uint
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *SQLite) LoadStatuses(ctx context.Context) (map[string]types.SpaceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, COALESCE(occupant, ''), updated_at_ns FROM parking_spaces`)
	if err != nil {
		return nil, fmt.Errorf("query parking_spaces: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.SpaceRecord)
	for rows.Next() {
		var (
			r         types.SpaceRecord
			status    string
			updatedNs int64
		)
		if err := rows.Scan(&r.ID, &status, &r.Occupant, &updatedNs); err != nil {
			return nil, fmt.Errorf("scan parking_spaces: %w", err)
		}
		r.Status = types.ParseStatus(status)
		if updatedNs > 0 {
			r.UpdatedAt = time.Unix(0, updatedNs)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// UpdateStatus upserts the space row and appends to the transition log in
// one transaction.
func (s *SQLite) UpdateStatus(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO parking_spaces (id, status, occupant, updated_at_ns)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at_ns = excluded.updated_at_ns,
			occupant = CASE WHEN ? THEN NULL ELSE parking_spaces.occupant END`,
		u.SpaceID, string(u.Status), u.At.UnixNano(), u.ClearOccupant,
	)
	if err != nil {
		return fmt.Errorf("upsert space %s: %w", u.SpaceID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO space_transitions (transition_id, space_id, status, ratio, at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), u.SpaceID, string(u.Status), u.Ratio, u.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert transition for %s: %w", u.SpaceID, err)
	}
	return tx.Commit()
}

// SetOccupant annotates a space. Used by operators and tests; the estimator
// only ever clears the annotation.
func (s *SQLite) SetOccupant(ctx context.Context, spaceID, occupant string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parking_spaces (id, occupant) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET occupant = excluded.occupant`,
		spaceID, occupant,
	)
	if err != nil {
		return fmt.Errorf("set occupant for %s: %w", spaceID, err)
	}
	return nil
}

// Transitions returns the newest transitions first. An empty spaceID
// returns every space.
func (s *SQLite) Transitions(ctx context.Context, spaceID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT transition_id, space_id, status, ratio, at_ns FROM space_transitions`
	args := []any{}
	if spaceID != "" {
		query += ` WHERE space_id = ?`
		args = append(args, spaceID)
	}
	query += ` ORDER BY at_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			r      TransitionRecord
			status string
			atNs   int64
		)
		if err := rows.Scan(&r.ID, &r.SpaceID, &status, &r.Ratio, &atNs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.Status = types.ParseStatus(status)
		r.At = time.Unix(0, atNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
