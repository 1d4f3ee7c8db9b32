package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists saga instances in Postgres. The whole instance is kept
// as JSONB next to the columns the sweep and the order lookup query on.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sqlx.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table and its status index.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_instances (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			data JSONB NOT NULL,
			version BIGINT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS saga_instances_status_updated_idx
			ON saga_instances (status, updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init saga schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (id, order_id, status, current_step, data, version, started_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		instance.ID, instance.OrderID, string(instance.Status), string(instance.CurrentStep),
		data, instance.Version, instance.StartedAt, instance.UpdatedAt, instance.FinishedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSagaExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM saga_instances WHERE id = $1`, sagaID)
	return decodeRow(data, err)
}

func (s *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Instance, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM saga_instances WHERE order_id = $1`, orderID)
	return decodeRow(data, err)
}

// Mutate locks the row with SELECT ... FOR UPDATE for the read-modify-write.
func (s *PostgresStore) Mutate(ctx context.Context, sagaID string, fn MutateFunc) (*Instance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var data []byte
	err = tx.GetContext(ctx, &data, `SELECT data FROM saga_instances WHERE id = $1 FOR UPDATE`, sagaID)
	current, err := decodeRow(data, err)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE saga_instances
		SET status = $2, current_step = $3, data = $4, version = $5, updated_at = $6, finished_at = $7
		WHERE id = $1`,
		next.ID, string(next.Status), string(next.CurrentStep), encoded, next.Version, next.UpdatedAt, next.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Step != "" {
		args = append(args, string(filter.Step))
		where = append(where, fmt.Sprintf("current_step = $%d", len(args)))
	}
	if filter.SkipStep != "" {
		args = append(args, string(filter.SkipStep))
		where = append(where, fmt.Sprintf("current_step <> $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM saga_instances`+clause, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT data FROM saga_instances` + clause + ` ORDER BY started_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	instances := make([]*Instance, 0, len(rows))
	for _, raw := range rows {
		instance, err := decodeRow(raw, nil)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, instance)
	}
	return instances, total, nil
}

// Close is a no-op; the connection pool is shared and closed by its owner.
func (s *PostgresStore) Close() error { return nil }

func decodeRow(data []byte, err error) (*Instance, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	var instance Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode saga row: %w", err)
	}
	return &instance, nil
}
