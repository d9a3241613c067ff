package autosave

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cbtscore/internal/db"
)

const fallbackSchema = `
CREATE TABLE IF NOT EXISTS autosave_fallback (
	id TEXT PRIMARY KEY,
	exam_id INTEGER NOT NULL,
	question_id INTEGER NOT NULL,
	payload TEXT NOT NULL,
	failed_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	UNIQUE (exam_id, question_id)
)`

// SQLiteFallback stores undeliverable answers in a local SQLite file, one row
// per exam and question.
type SQLiteFallback struct {
	db *sql.DB
}

func OpenSQLiteFallback(ctx context.Context, path string) (*SQLiteFallback, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, fallbackSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create autosave_fallback: %w", err)
	}
	return &SQLiteFallback{db: conn}, nil
}

func (f *SQLiteFallback) Close() error {
	return f.db.Close()
}

func (f *SQLiteFallback) Put(ctx context.Context, e Entry) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO autosave_fallback (id, exam_id, question_id, payload, failed_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exam_id, question_id) DO UPDATE
		SET payload = excluded.payload,
		    failed_at = excluded.failed_at,
		    last_error = excluded.last_error
	`, e.ID, e.ExamID, e.QuestionID, string(e.Payload), db.ToMillis(e.FailedAt), e.LastError)
	if err != nil {
		return fmt.Errorf("put fallback entry: %w", err)
	}
	return nil
}

func (f *SQLiteFallback) Remove(ctx context.Context, examID, questionID int64) error {
	if _, err := f.db.ExecContext(ctx, `
		DELETE FROM autosave_fallback WHERE exam_id = $1 AND question_id = $2
	`, examID, questionID); err != nil {
		return fmt.Errorf("remove fallback entry: %w", err)
	}
	return nil
}

func (f *SQLiteFallback) List(ctx context.Context, examID int64) ([]Entry, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, exam_id, question_id, payload, failed_at, last_error
		FROM autosave_fallback
		WHERE exam_id = $1
		ORDER BY question_id
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("list fallback entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			payload  string
			failedAt int64
		)
		if err := rows.Scan(&e.ID, &e.ExamID, &e.QuestionID, &payload, &failedAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan fallback entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.FailedAt = db.FromMillis(failedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryFallback keeps entries in process memory. It suits tests and clients
// without a writable disk.
type MemoryFallback struct {
	mu      sync.Mutex
	entries map[[2]int64]Entry
}

func NewMemoryFallback() *MemoryFallback {
	return &MemoryFallback{entries: make(map[[2]int64]Entry)}
}

func (f *MemoryFallback) Put(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[[2]int64{e.ExamID, e.QuestionID}] = e
	return nil
}

func (f *MemoryFallback) Remove(_ context.Context, examID, questionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, [2]int64{examID, questionID})
	return nil
}

func (f *MemoryFallback) List(_ context.Context, examID int64) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for k, e := range f.entries {
		if k[0] == examID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}
