package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists memory in a single embedded SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_thread ON conversation_turns (thread_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS user_facts (
			user_id TEXT NOT NULL,
			fact_type TEXT NOT NULL,
			fact_key TEXT NOT NULL,
			fact_value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, fact_type, fact_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_facts_updated ON user_facts (user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS thread_summaries (
			thread_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			first_message TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			customer_ids TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_summaries_user ON thread_summaries (user_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.ThreadID == "" || turn.UserID == "" {
		return "", errors.New("append turn: thread and user are required")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, thread_id, user_id, role, content, created_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM conversation_turns WHERE thread_id = ? AND user_id <> ?
		 )`,
		turn.ID, turn.ThreadID, turn.UserID, turn.Role, turn.Content, turn.CreatedAt.UnixNano(),
		turn.ThreadID, turn.UserID,
	)
	if err != nil {
		return "", fmt.Errorf("append turn: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("append turn: %w", err)
	} else if n == 0 {
		return "", fmt.Errorf("append turn to %s: %w", turn.ThreadID, ErrThreadOwner)
	}
	return turn.ID, nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, threadID, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, user_id, role, content, created_at
		 FROM conversation_turns WHERE thread_id = ? AND user_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		threadID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	items, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) GetThreadTurns(ctx context.Context, threadID, userID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, user_id, role, content, created_at
		 FROM conversation_turns WHERE thread_id = ?
		 ORDER BY created_at ASC, seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query thread turns: %w", err)
	}
	items, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 || (userID != "" && items[0].UserID != userID) {
		return nil, ErrNotFound
	}
	return items, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var items []Turn
	for rows.Next() {
		var (
			t       Turn
			created int64
		)
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.UserID, &t.Role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) ListFacts(ctx context.Context, userID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, fact_type, fact_key, fact_value, updated_at
		 FROM user_facts WHERE user_id = ?
		 ORDER BY updated_at DESC, fact_type ASC, fact_key ASC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := make([]Fact, 0)
	for rows.Next() {
		var (
			f       Fact
			updated int64
		)
		if err := rows.Scan(&f.UserID, &f.Type, &f.Key, &f.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		f.UpdatedAt = time.Unix(0, updated).UTC()
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return facts, nil
}

func (s *SQLiteStore) UpsertFacts(ctx context.Context, userID string, facts []FactInput) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, f := range facts {
		if !validFact(f) {
			errs = append(errs, invalidFactError(f))
			continue
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO user_facts (user_id, fact_type, fact_key, fact_value, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, fact_type, fact_key) DO UPDATE SET
				fact_value = excluded.fact_value,
				updated_at = excluded.updated_at`,
			userID, f.Type, f.Key, f.Value, s.now().UnixNano(),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert fact %s/%s: %w", f.Type, f.Key, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

func (s *SQLiteStore) ClearFacts(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_facts WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear facts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear facts rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, userID string, limit int) ([]ThreadSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, user_id, first_message, message_count, customer_ids, created_at, updated_at
		 FROM thread_summaries WHERE user_id = ?
		 ORDER BY created_at DESC, thread_id ASC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	out := make([]ThreadSummary, 0)
	for rows.Next() {
		var (
			t                ThreadSummary
			ids              string
			created, updated int64
		)
		if err := rows.Scan(&t.ThreadID, &t.UserID, &t.FirstMessage, &t.MessageCount, &ids, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &t.CustomerIDs); err != nil {
			return nil, fmt.Errorf("decode customer ids for thread %s: %w", t.ThreadID, err)
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		t.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertThreadSummary(ctx context.Context, update SummaryUpdate) error {
	if update.ThreadID == "" || update.UserID == "" {
		return errors.New("upsert thread summary: thread and user are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existing string
		current  []string
	)
	err = tx.QueryRowContext(ctx, `SELECT customer_ids FROM thread_summaries WHERE thread_id = ?`, update.ThreadID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load thread summary: %w", err)
	default:
		if err := json.Unmarshal([]byte(existing), &current); err != nil {
			return fmt.Errorf("decode customer ids: %w", err)
		}
	}

	merged, err := json.Marshal(mergeIDs(current, update.CustomerIDs))
	if err != nil {
		return fmt.Errorf("encode customer ids: %w", err)
	}
	now := s.now().UnixNano()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO thread_summaries (thread_id, user_id, first_message, message_count, customer_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
			first_message = CASE WHEN thread_summaries.first_message = '' THEN excluded.first_message ELSE thread_summaries.first_message END,
			message_count = thread_summaries.message_count + excluded.message_count,
			customer_ids = excluded.customer_ids,
			updated_at = excluded.updated_at`,
		update.ThreadID, update.UserID, update.FirstMessage, update.MessageCountDelta, string(merged), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert thread summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit thread summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
