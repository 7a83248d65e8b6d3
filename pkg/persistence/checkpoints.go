package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"storyloom/pkg/logx"
	"storyloom/pkg/story"
)

const (
	checkpointColumns = "thread_id, sequence, world_state, story_progress, messages, created_at"

	// timeLayout is fixed width so created_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore is a CheckpointStore backed by one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open initializes the database at dbPath and returns a store over it.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteStore(db)
	s.logger.Info("📦 Checkpoint database initialized: %s", dbPath)
	return s, nil
}

// NewSQLiteStore wraps an initialized database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logx.NewLogger("persistence")}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Save implements CheckpointStore.
func (s *SQLiteStore) Save(ctx context.Context, cp *story.Checkpoint) error {
	world, err := json.Marshal(cp.World)
	if err != nil {
		return fmt.Errorf("marshal world state: %w", err)
	}
	progress, err := json.Marshal(cp.Progress)
	if err != nil {
		return fmt.Errorf("marshal story progress: %w", err)
	}
	messages, err := json.Marshal(nonNilMessages(cp.Messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	sum := SummaryOf(cp)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, `+checkpointColumns+`, theme, turn, phase, content_preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), cp.ThreadID, cp.Sequence, string(world), string(progress), string(messages),
		cp.CreatedAt.UTC().Format(timeLayout),
		sum.Theme, sum.Turn, string(sum.Phase), sum.ContentPreview,
	)
	if isConstraintError(err) {
		return fmt.Errorf("%w: thread %s sequence %d", ErrSequenceConflict, cp.ThreadID, cp.Sequence)
	}
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	s.logger.Debug("Checkpoint written: thread=%s sequence=%d", cp.ThreadID, cp.Sequence)
	return nil
}

// Latest implements CheckpointStore.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*story.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE thread_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, threadID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return cp, err
}

// History implements CheckpointStore.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]*story.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE thread_id = ?
		ORDER BY sequence ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	cps, err := scanCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return cps, nil
}

// ListLatest implements CheckpointStore.
func (s *SQLiteStore) ListLatest(ctx context.Context) ([]*story.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.thread_id, c.sequence, c.world_state, c.story_progress, c.messages, c.created_at
		FROM checkpoints c
		JOIN (SELECT thread_id, MAX(sequence) AS seq FROM checkpoints GROUP BY thread_id) latest
			ON c.thread_id = latest.thread_id AND c.sequence = latest.seq
		ORDER BY c.created_at DESC, c.thread_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return scanCheckpoints(rows)
}

// ListThreads implements ThreadLister from the listing columns alone.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.thread_id, c.sequence, c.theme, c.turn, c.phase, c.content_preview, c.created_at
		FROM checkpoints c
		JOIN (SELECT thread_id, MAX(sequence) AS seq FROM checkpoints GROUP BY thread_id) latest
			ON c.thread_id = latest.thread_id AND c.sequence = latest.seq
		ORDER BY c.created_at DESC, c.thread_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ThreadSummary, 0)
	for rows.Next() {
		var (
			sum     ThreadSummary
			phase   string
			created string
		)
		if err := rows.Scan(&sum.ThreadID, &sum.Sequence, &sum.Theme, &sum.Turn, &phase, &sum.ContentPreview, &created); err != nil {
			return nil, fmt.Errorf("failed to scan thread summary: %w", err)
		}
		sum.Phase = story.ParsePhase(phase)
		if sum.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thread summaries: %w", err)
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	s.logger.Info("Deleted %d checkpoints for thread %s", n, threadID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*story.Checkpoint, error) {
	var (
		cp                        story.Checkpoint
		world, progress, messages string
		created                   string
	)
	if err := row.Scan(&cp.ThreadID, &cp.Sequence, &world, &progress, &messages, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(world), &cp.World); err != nil {
		return nil, fmt.Errorf("decode world state for %s/%d: %w", cp.ThreadID, cp.Sequence, err)
	}
	if err := json.Unmarshal([]byte(progress), &cp.Progress); err != nil {
		return nil, fmt.Errorf("decode story progress for %s/%d: %w", cp.ThreadID, cp.Sequence, err)
	}
	if err := json.Unmarshal([]byte(messages), &cp.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s/%d: %w", cp.ThreadID, cp.Sequence, err)
	}
	var err error
	if cp.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &cp, nil
}

func scanCheckpoints(rows *sql.Rows) ([]*story.Checkpoint, error) {
	defer func() { _ = rows.Close() }()
	var out []*story.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid checkpoint timestamp %q: %w", s, err)
	}
	return t, nil
}

func nonNilMessages(msgs []story.Message) []story.Message {
	if msgs == nil {
		return []story.Message{}
	}
	return msgs
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
