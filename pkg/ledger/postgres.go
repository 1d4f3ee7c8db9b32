package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
)

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// PostgresStore keeps a participant's ledger in <namespace>_idempotency_ledger
// and its domain records as JSONB rows in <namespace>_records. The unique key
// on (saga_id, command_type) is the idempotency guard.
type PostgresStore struct {
	db           *sqlx.DB
	ledgerTable  string
	recordsTable string
}

// NewPostgresStore creates a namespaced store over db.
func NewPostgresStore(db *sqlx.DB, namespace string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres db cannot be nil")
	}
	if !namespacePattern.MatchString(namespace) {
		return nil, fmt.Errorf("invalid ledger namespace %q", namespace)
	}
	return &PostgresStore{
		db:           db,
		ledgerTable:  namespace + "_idempotency_ledger",
		recordsTable: namespace + "_records",
	}, nil
}

// InitSchema creates the ledger and records tables.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.ledgerTable + ` (
			saga_id TEXT NOT NULL,
			command_type TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL,
			result JSONB,
			PRIMARY KEY (saga_id, command_type)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.recordsTable + ` (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *PostgresStore) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&postgresTx{ctx: ctx, tx: tx, store: s, readOnly: readOnly}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error { return nil }

// ledgerRow scans result into a plain byte slice; drivers may hand back JSONB
// as text.
type ledgerRow struct {
	SagaID      string    `db:"saga_id"`
	CommandType string    `db:"command_type"`
	AppliedAt   time.Time `db:"applied_at"`
	Result      []byte    `db:"result"`
}

type postgresTx struct {
	ctx      context.Context
	tx       *sqlx.Tx
	store    *PostgresStore
	readOnly bool
}

func (t *postgresTx) Applied(sagaID, commandType string) (*Entry, bool, error) {
	var row ledgerRow
	err := t.tx.GetContext(t.ctx, &row,
		`SELECT saga_id, command_type, applied_at, result FROM `+t.store.ledgerTable+
			` WHERE saga_id = $1 AND command_type = $2`,
		sagaID, commandType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &Entry{
		SagaID:      row.SagaID,
		CommandType: row.CommandType,
		AppliedAt:   row.AppliedAt,
		Result:      json.RawMessage(row.Result),
	}, true, nil
}

func (t *postgresTx) Record(entry Entry) (bool, error) {
	if t.readOnly {
		return false, errReadOnly
	}
	var result any
	if len(entry.Result) > 0 {
		result = []byte(entry.Result)
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO `+t.store.ledgerTable+` (saga_id, command_type, applied_at, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		entry.SagaID, entry.CommandType, entry.AppliedAt, result)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Get locks the row inside write transactions so two commands touching the
// same record serialize.
func (t *postgresTx) Get(key string, v any) (bool, error) {
	query := `SELECT value FROM ` + t.store.recordsTable + ` WHERE key = $1`
	if !t.readOnly {
		query += ` FOR UPDATE`
	}
	var raw []byte
	err := t.tx.GetContext(t.ctx, &raw, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func (t *postgresTx) Put(key string, v any) error {
	if t.readOnly {
		return errReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO `+t.store.recordsTable+` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, raw)
	return err
}
