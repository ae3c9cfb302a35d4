package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns, facts and thread summaries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_thread ON conversation_turns (thread_id, created_at, seq);`,
		`CREATE TABLE IF NOT EXISTS user_facts (
			user_id TEXT NOT NULL,
			fact_type TEXT NOT NULL,
			fact_key TEXT NOT NULL,
			fact_value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, fact_type, fact_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_facts_updated ON user_facts (user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS thread_summaries (
			thread_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			first_message TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			customer_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_summaries_user ON thread_summaries (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.ThreadID == "" || turn.UserID == "" {
		return "", errors.New("append turn: thread and user are required")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, thread_id, user_id, role, content, created_at)
		 SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz
		 WHERE NOT EXISTS (
			SELECT 1 FROM conversation_turns WHERE thread_id = $2::text AND user_id <> $3::text
		 )`,
		turn.ID,
		turn.ThreadID,
		turn.UserID,
		turn.Role,
		turn.Content,
		turn.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("append turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("append turn to %s: %w", turn.ThreadID, ErrThreadOwner)
	}
	return turn.ID, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, threadID, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, user_id, role, content, created_at
		 FROM conversation_turns WHERE thread_id=$1 AND user_id=$2
		 ORDER BY created_at DESC, seq DESC LIMIT $3`,
		threadID,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.UserID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) GetThreadTurns(ctx context.Context, threadID, userID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, user_id, role, content, created_at
		 FROM conversation_turns WHERE thread_id=$1
		 ORDER BY created_at ASC, seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query thread turns: %w", err)
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.UserID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	if len(items) == 0 || (userID != "" && items[0].UserID != userID) {
		return nil, ErrNotFound
	}
	return items, nil
}

func (s *PostgresStore) ListFacts(ctx context.Context, userID string, limit int) ([]Fact, error) {
	query := `SELECT user_id, fact_type, fact_key, fact_value, updated_at
		 FROM user_facts WHERE user_id=$1
		 ORDER BY updated_at DESC, fact_type ASC, fact_key ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := make([]Fact, 0)
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.UserID, &f.Type, &f.Key, &f.Value, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return facts, nil
}

// UpsertFacts writes each tuple in its own statement so one failure does not
// block the rest.
func (s *PostgresStore) UpsertFacts(ctx context.Context, userID string, facts []FactInput) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, f := range facts {
		if !validFact(f) {
			errs = append(errs, invalidFactError(f))
			continue
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO user_facts (user_id, fact_type, fact_key, fact_value, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, fact_type, fact_key) DO UPDATE SET
				fact_value = EXCLUDED.fact_value,
				updated_at = EXCLUDED.updated_at`,
			userID,
			f.Type,
			f.Key,
			f.Value,
			time.Now().UTC(),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert fact %s/%s: %w", f.Type, f.Key, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

func (s *PostgresStore) ClearFacts(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_facts WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear facts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, userID string, limit int) ([]ThreadSummary, error) {
	query := `SELECT thread_id, user_id, first_message, message_count, customer_ids, created_at, updated_at
		 FROM thread_summaries WHERE user_id=$1
		 ORDER BY created_at DESC, thread_id ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	out := make([]ThreadSummary, 0)
	for rows.Next() {
		var t ThreadSummary
		if err := rows.Scan(&t.ThreadID, &t.UserID, &t.FirstMessage, &t.MessageCount, &t.CustomerIDs, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertThreadSummary(ctx context.Context, update SummaryUpdate) error {
	if update.ThreadID == "" || update.UserID == "" {
		return errors.New("upsert thread summary: thread and user are required")
	}
	ids := mergeIDs(nil, update.CustomerIDs)
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO thread_summaries (thread_id, user_id, first_message, message_count, customer_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (thread_id) DO UPDATE SET
			first_message = CASE WHEN thread_summaries.first_message = '' THEN EXCLUDED.first_message ELSE thread_summaries.first_message END,
			message_count = thread_summaries.message_count + EXCLUDED.message_count,
			customer_ids = ARRAY(
				SELECT id FROM unnest(thread_summaries.customer_ids || EXCLUDED.customer_ids) WITH ORDINALITY AS merged(id, pos)
				GROUP BY id ORDER BY min(pos)
			),
			updated_at = EXCLUDED.updated_at`,
		update.ThreadID,
		update.UserID,
		update.FirstMessage,
		update.MessageCountDelta,
		ids,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert thread summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
