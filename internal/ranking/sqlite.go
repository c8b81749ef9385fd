package ranking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS rankings (
	scenario_key  TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	score         REAL NOT NULL,
	samples       INTEGER NOT NULL DEFAULT 0,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (scenario_key, strategy)
);

CREATE TABLE IF NOT EXISTS ranking_undo (
	id            TEXT PRIMARY KEY,
	decision_id   TEXT,
	scenario_key  TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	previous      REAL NOT NULL,
	requested     REAL NOT NULL DEFAULT 0,
	delta         REAL NOT NULL,
	next          REAL NOT NULL,
	cause         TEXT,
	kind          TEXT NOT NULL,
	inserted      INTEGER NOT NULL DEFAULT 0,
	reverts       TEXT,
	reverted_at   TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ranking_undo_decision ON ranking_undo(decision_id);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id   TEXT PRIMARY KEY,
	scenario_key  TEXT NOT NULL,
	decision_json TEXT NOT NULL,
	issued_at     TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct
// SQLiteStore persists rankings, undo records and the decision registry.
type SQLiteStore struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB so the audit log can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region reads
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRanking(ctx context.Context, q querier, key Key) (Ranking, bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT strategy, score, samples, updated_at FROM rankings WHERE scenario_key = ?`, key.String())
	if err != nil {
		return Ranking{}, false, fmt.Errorf("load ranking %s: %w", key, err)
	}
	defer rows.Close()

	r := Ranking{Key: key}
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.Strategy, &e.Score, &e.Samples, &updated); err != nil {
			return Ranking{}, false, fmt.Errorf("scan ranking: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		r.Entries = append(r.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Ranking{}, false, err
	}
	sortEntries(r.Entries)
	return r, len(r.Entries) > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Ranking, bool, error) {
	return loadRanking(ctx, s.db, key)
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scenario_key FROM rankings ORDER BY scenario_key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

const undoColumns = `id, decision_id, scenario_key, strategy, previous, requested, delta, next, cause, kind, inserted, reverts, reverted_at, created_at`

func scanUndo(rows *sql.Rows) (UndoRecord, error) {
	var rec UndoRecord
	var decisionID, cause, reverts, revertedAt sql.NullString
	var key, kind, created string
	var inserted int
	err := rows.Scan(&rec.ID, &decisionID, &key, &rec.Strategy, &rec.Previous, &rec.Requested, &rec.Delta, &rec.Next,
		&cause, &kind, &inserted, &reverts, &revertedAt, &created)
	if err != nil {
		return UndoRecord{}, fmt.Errorf("scan undo: %w", err)
	}
	if rec.Key, err = ParseKey(key); err != nil {
		return UndoRecord{}, err
	}
	rec.DecisionID = decisionID.String
	rec.Cause = cause.String
	rec.Kind = UndoKind(kind)
	rec.Inserted = inserted == 1
	rec.Reverts = reverts.String
	if revertedAt.Valid {
		rec.RevertedAt, _ = time.Parse(time.RFC3339Nano, revertedAt.String)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return rec, nil
}

func (s *SQLiteStore) queryUndo(ctx context.Context, query string, args ...any) ([]UndoRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query undo: %w", err)
	}
	defer rows.Close()
	var out []UndoRecord
	for rows.Next() {
		rec, err := scanUndo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UndoLog(ctx context.Context, limit int) ([]UndoRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryUndo(ctx,
		`SELECT `+undoColumns+` FROM ranking_undo ORDER BY rowid DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) UndoForDecision(ctx context.Context, decisionID string) ([]UndoRecord, error) {
	return s.queryUndo(ctx,
		`SELECT `+undoColumns+` FROM ranking_undo WHERE decision_id = ? ORDER BY rowid`, decisionID)
}

// #endregion reads

// #region writes
func (s *SQLiteStore) Seed(ctx context.Context, key Key, names []string, at time.Time) (Ranking, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Ranking{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, _, err := loadRanking(ctx, tx, key)
	if err != nil {
		return Ranking{}, err
	}
	for _, name := range names {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rankings (scenario_key, strategy, score, samples, updated_at)
			 VALUES (?, ?, ?, 0, ?)
			 ON CONFLICT(scenario_key, strategy) DO NOTHING`,
			key.String(), name, Neutral, at.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return Ranking{}, fmt.Errorf("seed %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Ranking{}, fmt.Errorf("commit: %w", err)
	}
	r, _ = seedInto(r, names, at)
	return r, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, c Change) (UndoRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UndoRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, _, err := loadRanking(ctx, tx, c.Key)
	if err != nil {
		return UndoRecord{}, err
	}
	next, rec := applyTo(r, c)
	rec.ID = uuid.New().String()
	entry := findEntry(next, c.Strategy)
	if err := upsertEntry(ctx, tx, c.Key, entry); err != nil {
		return UndoRecord{}, err
	}
	if err := insertUndo(ctx, tx, rec); err != nil {
		return UndoRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return UndoRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Revert(ctx context.Context, undoID string, at time.Time) (UndoRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UndoRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+undoColumns+` FROM ranking_undo WHERE id = ?`, undoID)
	if err != nil {
		return UndoRecord{}, fmt.Errorf("load undo %s: %w", undoID, err)
	}
	var orig UndoRecord
	found := false
	if rows.Next() {
		orig, err = scanUndo(rows)
		found = err == nil
	}
	rows.Close()
	if err != nil {
		return UndoRecord{}, err
	}
	if !found {
		return UndoRecord{}, fmt.Errorf("revert %s: %w", undoID, ErrNotFound)
	}
	if !orig.RevertedAt.IsZero() {
		return UndoRecord{}, fmt.Errorf("revert %s: %w", undoID, ErrAlreadyReverted)
	}

	r, _, err := loadRanking(ctx, tx, orig.Key)
	if err != nil {
		return UndoRecord{}, err
	}
	next, rec, err := revertOn(r, orig, at)
	if err != nil {
		return UndoRecord{}, err
	}
	rec.ID = uuid.New().String()
	if err := upsertEntry(ctx, tx, orig.Key, findEntry(next, orig.Strategy)); err != nil {
		return UndoRecord{}, err
	}
	if err := insertUndo(ctx, tx, rec); err != nil {
		return UndoRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ranking_undo SET reverted_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), undoID); err != nil {
		return UndoRecord{}, fmt.Errorf("mark reverted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UndoRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func findEntry(r Ranking, strategy string) Entry {
	for _, e := range r.Entries {
		if e.Strategy == strategy {
			return e
		}
	}
	return Entry{Strategy: strategy, Score: Neutral}
}

func upsertEntry(ctx context.Context, tx *sql.Tx, key Key, e Entry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rankings (scenario_key, strategy, score, samples, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scenario_key, strategy) DO UPDATE SET
		   score = excluded.score, samples = excluded.samples, updated_at = excluded.updated_at`,
		key.String(), e.Strategy, e.Score, e.Samples, e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", key, e.Strategy, err)
	}
	return nil
}

func insertUndo(ctx context.Context, tx *sql.Tx, rec UndoRecord) error {
	inserted := 0
	if rec.Inserted {
		inserted = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ranking_undo (`+undoColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		rec.ID, nullIfEmpty(rec.DecisionID), rec.Key.String(), rec.Strategy,
		rec.Previous, rec.Requested, rec.Delta, rec.Next, nullIfEmpty(rec.Cause), string(rec.Kind), inserted,
		nullIfEmpty(rec.Reverts), rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert undo: %w", err)
	}
	return nil
}

// #endregion writes

// #region registry
func (s *SQLiteStore) PutDecision(ctx context.Context, key Key, d action.Decision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (decision_id, scenario_key, decision_json, issued_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(decision_id) DO UPDATE SET decision_json = excluded.decision_json`,
		d.ID, key.String(), string(raw), d.IssuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put decision %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetDecision(ctx context.Context, decisionID string) (action.Decision, Key, error) {
	var key, raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT scenario_key, decision_json FROM decisions WHERE decision_id = ?`, decisionID,
	).Scan(&key, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return action.Decision{}, Key{}, fmt.Errorf("decision %s: %w", decisionID, ErrNotFound)
	}
	if err != nil {
		return action.Decision{}, Key{}, fmt.Errorf("get decision %s: %w", decisionID, err)
	}
	var d action.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return action.Decision{}, Key{}, fmt.Errorf("unmarshal decision: %w", err)
	}
	k, err := ParseKey(key)
	if err != nil {
		return action.Decision{}, Key{}, err
	}
	return d, k, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion registry
