package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// EmbeddingDim is the length of every enrolled feature.
const EmbeddingDim = 512

// ErrNotFound is returned when a person id does not exist.
var ErrNotFound = errors.New("person not found")

// Person is one enrolled row.
type Person struct {
	ID        int
	Name      string
	Status    types.PersonStatus
	Samples   int
	CreatedAt time.Time
}

// Store manages the PostgreSQL connection and pgvector operations.
// It is the terminal's face database.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the persons table and vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS persons (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'normal',
			embedding VECTOR(%d) NOT NULL,
			samples INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
	`, EmbeddingDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector is the inverse of vecToString.
func parseVector(s string) ([]float64, error) {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

func checkDim(vec []float64) error {
	if len(vec) != EmbeddingDim {
		return fmt.Errorf("feature has %d dimensions, want %d", len(vec), EmbeddingDim)
	}
	return nil
}

// ScoreFromDistance maps a pgvector cosine distance in [0,2] to a similarity in [0,1].
func ScoreFromDistance(d float64) float64 {
	return max(0, min(1, 1-d/2))
}

// Query returns the k enrolled persons nearest to feature, best first.
// It returns types.ErrEmptyDatabase when nobody is enrolled.
func (s *Store) Query(ctx context.Context, feature types.Feature, k int) ([]types.Match, error) {
	if err := checkDim(feature); err != nil {
		return nil, err
	}
	if k < 1 {
		k = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// <=> is the cosine distance operator in pgvector
	rows, err := s.conn.Query(ctx, `
		SELECT id, name, status, embedding <=> $1::vector AS distance
		FROM persons
		ORDER BY distance ASC
		LIMIT $2
	`, vecToString(feature), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []types.Match
	for rows.Next() {
		var (
			m        types.Match
			status   string
			distance float64
		)
		if err := rows.Scan(&m.Identity.ID, &m.Identity.Name, &status, &distance); err != nil {
			return nil, err
		}
		m.Identity.Status = types.ParseStatus(status)
		m.Score = ScoreFromDistance(distance)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, types.ErrEmptyDatabase
	}
	return matches, nil
}

// Enroll inserts a new person and returns its ID.
func (s *Store) Enroll(ctx context.Context, name string, vec []float64, status types.PersonStatus) (int, error) {
	if err := checkDim(vec); err != nil {
		return 0, err
	}
	if status == types.StatusUnknown {
		status = types.StatusNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int
	err := s.conn.QueryRow(ctx,
		"INSERT INTO persons (name, status, embedding) VALUES ($1, $2, $3::vector) RETURNING id",
		name, status.String(), vecToString(vec)).Scan(&id)
	return id, err
}

// AddSample folds another embedding of an enrolled person into its stored
// mean, weighted by the number of samples seen so far.
func (s *Store) AddSample(ctx context.Context, id int, newVec []float64) error {
	if err := checkDim(newVec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 1. Fetch current state; FOR UPDATE keeps a concurrent enroll from interleaving
	var oldVecStr string
	var oldCount int
	err = tx.QueryRow(ctx, "SELECT embedding::text, samples FROM persons WHERE id = $1 FOR UPDATE", id).Scan(&oldVecStr, &oldCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	oldVec, err := parseVector(oldVecStr)
	if err != nil {
		return fmt.Errorf("stored embedding for %d: %w", id, err)
	}

	// 2. Weighted mean
	total := float64(oldCount + 1)
	finalVec := make([]float64, EmbeddingDim)
	for i := range finalVec {
		var old float64
		if i < len(oldVec) {
			old = oldVec[i]
		}
		finalVec[i] = (old*float64(oldCount) + newVec[i]) / total
	}

	if _, err := tx.Exec(ctx, "UPDATE persons SET embedding = $1::vector, samples = $2 WHERE id = $3", vecToString(finalVec), int(total), id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Embedding returns the stored embedding of a person.
func (s *Store) Embedding(ctx context.Context, id int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var vecStr string
	err := s.conn.QueryRow(ctx, "SELECT embedding::text FROM persons WHERE id = $1", id).Scan(&vecStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return parseVector(vecStr)
}

// ListPersons returns every enrolled person ordered by ID.
func (s *Store) ListPersons(ctx context.Context) ([]Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT id, name, status, samples, created_at FROM persons ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []Person
	for rows.Next() {
		var p Person
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &status, &p.Samples, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Status = types.ParseStatus(status)
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// RenamePerson updates the name of an enrolled person.
func (s *Store) RenamePerson(ctx context.Context, id int, newName string) error {
	return s.exec1(ctx, id, "UPDATE persons SET name = $1 WHERE id = $2", newName, id)
}

// SetStatus marks a person normal or blocked.
func (s *Store) SetStatus(ctx context.Context, id int, status types.PersonStatus) error {
	if status == types.StatusUnknown {
		return fmt.Errorf("status must be normal or blocked")
	}
	return s.exec1(ctx, id, "UPDATE persons SET status = $1 WHERE id = $2", status.String(), id)
}

// exec1 runs a statement expected to touch exactly the row with id.
func (s *Store) exec1(ctx context.Context, id int, sql string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Reset drops the persons table to clear the database state.
// The next New recreates it.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS persons CASCADE;`)
	return err
}
