package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	kind          TEXT NOT NULL,
	decision_id   TEXT,
	scenario_key  TEXT,
	strategy      TEXT,
	origin        TEXT,
	safe          INTEGER NOT NULL,
	reason        TEXT,
	detail_json   TEXT,
	prev_hash     TEXT NOT NULL,
	hash          TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_log(decision_id);
`

const columns = `seq, id, kind, decision_id, scenario_key, strategy, origin, safe, reason, detail_json, prev_hash, hash, created_at`

// #endregion schema

// #region constructor
// SQLiteRecorder appends audit entries to the audit_log table.
type SQLiteRecorder struct {
	db    *sql.DB
	owned bool
	mu    sync.Mutex
}

// NewSQLiteRecorder uses an already open database, typically the one the
// ranking store opened. Close leaves db open.
func NewSQLiteRecorder(db *sql.DB) (*SQLiteRecorder, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate audit_log: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// OpenSQLiteRecorder opens (or creates) a dedicated audit database at path.
func OpenSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	r, err := NewSQLiteRecorder(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

func (r *SQLiteRecorder) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

// #endregion constructor

// #region record
func (r *SQLiteRecorder) Record(ctx context.Context, e Entry) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevSeq int64
	prev := ""
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("read chain head: %w", err)
	}
	e = seal(e, prevSeq, prev)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq,
		e.ID,
		string(e.Kind),
		nullIfEmpty(e.DecisionID),
		nullIfEmpty(e.ScenarioKey),
		nullIfEmpty(e.Strategy),
		nullIfEmpty(e.Origin),
		e.Safe,
		nullIfEmpty(e.Reason),
		nullIfEmpty(string(e.Detail)),
		e.PrevHash,
		e.Hash,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// #endregion record

// #region read
func (r *SQLiteRecorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.DecisionID != "" {
		where = append(where, "decision_id = ?")
		args = append(args, f.DecisionID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	q := `SELECT ` + columns + ` FROM audit_log`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.query(ctx, q, args...)
}

func (r *SQLiteRecorder) Verify(ctx context.Context) error {
	entries, err := r.query(ctx, `SELECT `+columns+` FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	return verifyChain(entries)
}

func (r *SQLiteRecorder) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                              Entry
			kind, createdAt                                string
			decisionID, key, strategy, origin, reason, det sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &kind, &decisionID, &key, &strategy, &origin,
			&e.Safe, &reason, &det, &e.PrevHash, &e.Hash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.DecisionID = decisionID.String
		e.ScenarioKey = key.String
		e.Strategy = strategy.String
		e.Origin = origin.String
		e.Reason = reason.String
		if det.Valid {
			e.Detail = []byte(det.String)
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion read

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
