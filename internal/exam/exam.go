package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cbtscore/internal/db"
	"cbtscore/internal/question"
)

const (
	ExamStatusDraft     = "draft"
	ExamStatusPublished = "published"
)

type Exam struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	Title     string     `json:"title"`
	StartAt   *time.Time `json:"start_at,omitempty"`
	EndAt     *time.Time `json:"end_at,omitempty"`
	Status    string     `json:"status"`
	CreatedBy int64      `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ExamInput struct {
	Code      string
	Title     string
	StartAt   *time.Time
	EndAt     *time.Time
	CreatedBy int64
}

func (in ExamInput) normalize() (ExamInput, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Title = strings.TrimSpace(in.Title)
	if in.Code == "" {
		return in, &question.ValidationError{Field: "code", Reason: "is required", Err: ErrInvalidInput}
	}
	if in.Title == "" {
		return in, &question.ValidationError{Field: "title", Reason: "is required", Err: ErrInvalidInput}
	}
	if in.StartAt != nil && in.EndAt != nil && !in.StartAt.Before(*in.EndAt) {
		return in, &question.ValidationError{Field: "end_at", Reason: "must be after start_at", Err: ErrInvalidInput}
	}
	return in, nil
}

func (s *Service) CreateExam(ctx context.Context, in ExamInput) (*Exam, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	now := db.ToMillis(s.now())

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO exams (code, title, start_at, end_at, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'draft', $5, $6, $6)
		ON CONFLICT (code) DO NOTHING
		RETURNING id
	`, in.Code, in.Title, db.NullMillis(in.StartAt), db.NullMillis(in.EndAt), in.CreatedBy, now).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDuplicateExamCode
		}
		return nil, fmt.Errorf("insert exam: %w", err)
	}
	return s.GetExam(ctx, id)
}

// UpdateExam edits metadata and the time window. A published exam falls back
// to draft so that it must pass publish validation again.
func (s *Service) UpdateExam(ctx context.Context, examID int64, in ExamInput) (*Exam, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE exams
		SET code = $2,
			title = $3,
			start_at = $4,
			end_at = $5,
			status = 'draft',
			updated_at = $6
		WHERE id = $1
	`, examID, in.Code, in.Title, db.NullMillis(in.StartAt), db.NullMillis(in.EndAt), db.ToMillis(s.now()))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrDuplicateExamCode
		}
		return nil, fmt.Errorf("update exam: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrExamNotFound
	}
	return s.GetExam(ctx, examID)
}

// PublishExam validates the exam and its questions, then opens it to
// students.
func (s *Service) PublishExam(ctx context.Context, examID int64) (*Exam, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ex, err := s.loadExam(ctx, tx, examID, true)
	if err != nil {
		return nil, err
	}
	if ex.StartAt == nil || ex.EndAt == nil {
		return nil, &question.ValidationError{Field: "start_at", Reason: "exam window is required before publishing", Err: ErrInvalidInput}
	}
	if !ex.StartAt.Before(*ex.EndAt) {
		return nil, &question.ValidationError{Field: "end_at", Reason: "must be after start_at", Err: ErrInvalidInput}
	}

	questions, err := question.LoadForExam(ctx, tx, examID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, &question.ValidationError{Field: "questions", Reason: "published exam needs at least one question", Err: ErrInvalidInput}
	}
	for _, q := range questions {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("question %d (order %d): %w", q.ID, q.OrderIndex, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE exams SET status = 'published', updated_at = $2 WHERE id = $1
	`, examID, db.ToMillis(s.now())); err != nil {
		return nil, fmt.Errorf("publish exam: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	return s.GetExam(ctx, examID)
}

func (s *Service) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	return s.loadExam(ctx, s.db, examID, false)
}

func (s *Service) ListExams(ctx context.Context, status string) ([]Exam, error) {
	status = strings.TrimSpace(strings.ToLower(status))
	rows, err := s.db.QueryContext(ctx, selectExamColumns+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY COALESCE(start_at, created_at) DESC, id DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query exams: %w", err)
	}
	defer rows.Close()

	out := make([]Exam, 0)
	for rows.Next() {
		ex, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exams: %w", err)
	}
	return out, nil
}

const selectExamColumns = `
	SELECT id, code, title, start_at, end_at, status, created_by, created_at, updated_at
	FROM exams
`

func (s *Service) loadExam(ctx context.Context, q question.Queryer, examID int64, lock bool) (*Exam, error) {
	query := selectExamColumns + `WHERE id = $1`
	if lock {
		query += s.dialect.LockClause()
	}
	ex, err := scanExam(q.QueryRowContext(ctx, query, examID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	return ex, nil
}

func scanExam(scanner interface{ Scan(dest ...any) error }) (*Exam, error) {
	var (
		ex        Exam
		startAt   sql.NullInt64
		endAt     sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := scanner.Scan(&ex.ID, &ex.Code, &ex.Title, &startAt, &endAt, &ex.Status, &ex.CreatedBy, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan exam: %w", err)
	}
	ex.StartAt = db.TimePtr(startAt)
	ex.EndAt = db.TimePtr(endAt)
	ex.CreatedAt = db.FromMillis(createdAt)
	ex.UpdatedAt = db.FromMillis(updatedAt)
	return &ex, nil
}

// checkWindow applies the server-clock window guard for student operations.
func checkWindow(ex *Exam, now time.Time) error {
	if ex.Status != ExamStatusPublished {
		return ErrNotPublished
	}
	if ex.StartAt == nil || ex.EndAt == nil {
		return ErrNotPublished
	}
	if now.Before(*ex.StartAt) {
		return ErrNotStarted
	}
	if now.After(*ex.EndAt) {
		return ErrWindowClosed
	}
	return nil
}
