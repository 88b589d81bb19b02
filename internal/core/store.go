package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/istl/pkg/api"
)

// ErrNotFound is returned when an experiment id is unknown.
var ErrNotFound = errors.New("experiment not found")

// Store is a SQLite-backed history of experiment records.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// ExperimentSummary is one row of ListExperiments.
type ExperimentSummary struct {
	ID         string
	Document   string
	Experiment int
	Status     api.RunStatus
	AUC        *float64
	Failure    string
	CreatedAt  string
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveExperiment inserts or replaces a record. If rec.ID is empty, a new UUID
// is generated; if rec.CreatedAt is empty, the current time is used. The
// stored id and timestamp are written back into rec.
func (s *Store) SaveExperiment(ctx context.Context, rec *api.ExperimentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	var auc sql.NullFloat64
	if rec.Results != nil {
		auc = sql.NullFloat64{Float64: rec.Results.AUC, Valid: true}
	}

	query := `
		INSERT OR REPLACE INTO experiments (
			id, document, experiment, status, failure, auc, record_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Document,
		rec.Experiment,
		string(rec.Status),
		rec.Failure,
		auc,
		string(body),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

// ListExperiments returns the most recent records first. A non-positive
// limit returns every record.
func (s *Store) ListExperiments(ctx context.Context, limit int) ([]ExperimentSummary, error) {
	query := `
		SELECT id, document, experiment, status, auc, failure, created_at
		FROM experiments
		ORDER BY created_at DESC, experiment DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []ExperimentSummary
	for rows.Next() {
		var (
			e      ExperimentSummary
			status string
			auc    sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.Document, &e.Experiment, &status, &auc, &e.Failure, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		e.Status = api.RunStatus(status)
		if auc.Valid {
			v := auc.Float64
			e.AUC = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetExperiment returns the full record stored under id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*api.ExperimentRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM experiments WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	var rec api.ExperimentRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode experiment %s: %w", id, err)
	}
	return &rec, nil
}
