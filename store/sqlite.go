package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
)

var (
	_ Store       = (*SQLite)(nil)
	_ nonce.Store = (*SQLite)(nil)
	_ Store       = (*Memory)(nil)
)

// SQLite stores order records, their transition history and nonce bitmap
// words in one database. It satisfies both Store and nonce.Store.
type SQLite struct {
	db     *sql.DB
	logger *zerolog.Logger
	nowFn  func() time.Time
}

// OpenSQLite opens (or creates) the database at path and initializes the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string, logger *zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// sqlite allows a single writer; a single connection also keeps
	// ":memory:" databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	if err := InitDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger, nowFn: time.Now}, nil
}

func InitDB(db *sql.DB) error {
	statements := []string{`
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			resolved_order BLOB,
			origin_data BLOB,
			filler_data BLOB,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`, `
		CREATE TABLE IF NOT EXISTS order_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`, `
		CREATE INDEX IF NOT EXISTS order_transitions_order_id ON order_transitions (order_id)
	`, `
		CREATE TABLE IF NOT EXISTS nonce_words (
			owner TEXT NOT NULL,
			word_pos TEXT NOT NULL,
			word BLOB NOT NULL,
			PRIMARY KEY (owner, word_pos)
		)
	`}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) Get(ctx context.Context, id order.ID) (Record, error) {
	return getRecord(ctx, s.db, id)
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error: %w", err)
	}
	defer tx.Rollback()

	if err := s.putRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countByStatus(ctx, s.db)
}

func (s *SQLite) History(ctx context.Context, id order.ID) ([]Transition, error) {
	return history(ctx, s.db, id)
}

// Atomic runs fn inside one database transaction. The database has a single
// connection, so fn must not use s directly.
func (s *SQLite) Atomic(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{parent: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

type sqliteTx struct {
	parent *SQLite
	tx     *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, id order.ID) (Record, error) {
	return getRecord(ctx, t.tx, id)
}

func (t *sqliteTx) Put(ctx context.Context, rec Record) error {
	return t.parent.putRecord(ctx, t.tx, rec)
}

func (t *sqliteTx) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countByStatus(ctx, t.tx)
}

func (t *sqliteTx) History(ctx context.Context, id order.ID) ([]Transition, error) {
	return history(ctx, t.tx, id)
}

func (t *sqliteTx) Atomic(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func getRecord(ctx context.Context, q querier, id order.ID) (Record, error) {
	rec := Record{ID: id}
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT schema_version, status, resolved_order, origin_data, filler_data, updated_at
		FROM orders
		WHERE order_id = ?
	`, id.Hex()).Scan(&rec.SchemaVersion, &status, &rec.ResolvedOrder, &rec.OriginData, &rec.FillerData, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return unknownRecord(id), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("query error: %w", err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return Record{}, fmt.Errorf("%w: order %s has version %d", ErrUnsupportedSchema, id, rec.SchemaVersion)
	}
	rec.Status = Status(status)
	return rec, nil
}

// putRecord writes rec and its transition row. The caller owns the
// transaction.
func (s *SQLite) putRecord(ctx context.Context, q querier, rec Record) error {
	from := StatusUnknown
	var prev string
	err := q.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id = ?`, rec.ID.Hex()).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("query error: %w", err)
	default:
		from = Status(prev)
	}
	if !CanTransition(from, rec.Status) {
		return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, from, rec.Status, rec.ID)
	}

	now := s.nowFn().UTC()
	_, err = q.ExecContext(ctx, `
		INSERT INTO orders (order_id, schema_version, status, resolved_order, origin_data, filler_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			status = excluded.status,
			resolved_order = excluded.resolved_order,
			origin_data = excluded.origin_data,
			filler_data = excluded.filler_data,
			updated_at = excluded.updated_at
	`, rec.ID.Hex(), SchemaVersion, string(rec.Status), rec.ResolvedOrder, rec.OriginData, rec.FillerData, now)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO order_transitions (order_id, from_status, to_status, at)
		VALUES (?, ?, ?, ?)
	`, rec.ID.Hex(), string(from), string(rec.Status), now)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}

	s.logger.Debug().
		Str("order_id", rec.ID.Hex()).
		Str("from", string(from)).
		Str("to", string(rec.Status)).
		Msg("order record written")
	return nil
}

func countByStatus(ctx context.Context, q querier) (map[Status]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func history(ctx context.Context, q querier, id order.ID) ([]Transition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT from_status, to_status, at
		FROM order_transitions
		WHERE order_id = ?
		ORDER BY id
	`, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	transitions := []Transition{}
	for rows.Next() {
		var from, to string
		t := Transition{ID: id}
		if err := rows.Scan(&from, &to, &t.At); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		t.From, t.To = Status(from), Status(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func (s *SQLite) Word(ctx context.Context, owner common.Address, wordPos *uint256.Int) (*uint256.Int, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT word FROM nonce_words WHERE owner = ? AND word_pos = ?
	`, owner.Hex(), wordPos.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (s *SQLite) SetWord(ctx context.Context, owner common.Address, wordPos, word *uint256.Int) error {
	raw := word.Bytes32()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nonce_words (owner, word_pos, word)
		VALUES (?, ?, ?)
		ON CONFLICT(owner, word_pos) DO UPDATE SET word = excluded.word
	`, owner.Hex(), wordPos.Hex(), raw[:])
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}
