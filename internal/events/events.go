// Package events is the local access journal: every settled decision is
// appended to a SQLite database on the terminal.
package events

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal appends decisions to SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path and migrates it to
// the latest schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets `events list` read while the terminal runs.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	j := &Journal{db: db}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrateUp() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Not closing m: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (j *Journal) Version() (uint, error) {
	var v uint
	err := j.db.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&v)
	return v, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record implements pipeline.DecisionSink.
func (j *Journal) Record(ctx context.Context, d types.Decision) error {
	p := d.Person
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (
			id, at_unix_nano, frame_index, person_id, person_name, status,
			identified, score, masked, live, temperature, temperature_normal,
			opened, all_pass, mode
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.Time.UnixNano(), int64(d.FrameIndex), p.Identity.ID, p.Identity.Name, p.Identity.Status.String(),
		p.Identified, p.Score, p.HasMask, p.IsLive, p.Temperature, p.TemperatureNormal,
		d.Verdict.Open, d.Verdict.AllPass, d.Mode,
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", d.ID, err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	Since      time.Time
	OnlyOpened bool
	Limit      int
}

// List returns decisions newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]types.Decision, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixNano()
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_unix_nano, frame_index, person_id, person_name, status,
		       identified, score, masked, live, temperature, temperature_normal,
		       opened, all_pass, mode
		FROM events
		WHERE at_unix_nano >= ? AND (? = 0 OR opened = 1)
		ORDER BY at_unix_nano DESC
		LIMIT ?
	`, since, f.OnlyOpened, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		var (
			d      types.Decision
			at     int64
			frame  int64
			status string
		)
		p := &d.Person
		if err := rows.Scan(&d.ID, &at, &frame, &p.Identity.ID, &p.Identity.Name, &status,
			&p.Identified, &p.Score, &p.HasMask, &p.IsLive, &p.Temperature, &p.TemperatureNormal,
			&d.Verdict.Open, &d.Verdict.AllPass, &d.Mode); err != nil {
			return nil, err
		}
		d.Time = time.Unix(0, at)
		d.FrameIndex = uint64(frame)
		p.Identity.Status = types.ParseStatus(status)
		d.Verdict.Identity = p.Identity
		out = append(out, d)
	}
	return out, rows.Err()
}

// Reset deletes every recorded event.
func (j *Journal) Reset(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM events")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
