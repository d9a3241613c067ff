package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cbtscore/internal/db"
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Service struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

type CreateQuestionInput struct {
	ExamID int64
	Type   string
	// OrderIndex inserts at that 1-based position; zero appends.
	OrderIndex int
	Prompt     string
	Points     int
	Payload    json.RawMessage
}

type UpdateQuestionInput struct {
	ID         int64
	ExamID     int64
	Prompt     string
	Points     int
	Payload    json.RawMessage
	OrderIndex *int
}

func NewService(sqlDB *sql.DB, dialect db.Dialect) *Service {
	return &Service{db: sqlDB, dialect: dialect, now: time.Now}
}

func (s *Service) CreateQuestion(ctx context.Context, in CreateQuestionInput) (*Question, error) {
	t, err := ParseType(in.Type)
	if err != nil {
		return nil, err
	}
	payload, err := DecodePayload(t, in.Payload)
	if err != nil {
		return nil, err
	}
	q := Question{
		ExamID:  in.ExamID,
		Type:    t,
		Prompt:  strings.TrimSpace(in.Prompt),
		Points:  in.Points,
		Payload: payload,
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count, published, err := s.lockExam(ctx, tx, in.ExamID)
	if err != nil {
		return nil, err
	}

	position := in.OrderIndex
	switch {
	case position == 0:
		position = count + 1
	case position < 0 || position > count+1:
		return nil, &ValidationError{Field: "order_index", Reason: fmt.Sprintf("must be between 1 and %d", count+1), Err: ErrInvalidOrderIndex}
	}

	if position <= count {
		if _, err := tx.ExecContext(ctx, `
			UPDATE questions
			SET order_index = order_index + 1
			WHERE exam_id = $1 AND is_active = TRUE AND order_index >= $2
		`, in.ExamID, position); err != nil {
			return nil, fmt.Errorf("shift question order: %w", err)
		}
	}

	now := s.now().UTC()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO questions (
			exam_id,
			question_type,
			order_index,
			prompt,
			points,
			payload,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`, in.ExamID, string(t), position, q.Prompt, q.Points, string(payloadJSON), db.ToMillis(now))
	if err := row.Scan(&q.ID); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	if err := s.unpublish(ctx, tx, in.ExamID, published, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create question: %w", err)
	}

	q.OrderIndex = position
	q.CreatedAt = db.FromMillis(db.ToMillis(now))
	q.UpdatedAt = q.CreatedAt
	return &q, nil
}

func (s *Service) UpdateQuestion(ctx context.Context, in UpdateQuestionInput) (*Question, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count, published, err := s.lockExam(ctx, tx, in.ExamID)
	if err != nil {
		return nil, err
	}

	current, err := LoadQuestion(ctx, tx, in.ExamID, in.ID)
	if err != nil {
		return nil, err
	}

	payload := current.Payload
	if len(in.Payload) > 0 {
		payload, err = DecodePayload(current.Type, in.Payload)
		if err != nil {
			return nil, err
		}
	}
	next := *current
	next.Prompt = strings.TrimSpace(in.Prompt)
	next.Points = in.Points
	next.Payload = payload
	if err := next.Validate(); err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if in.OrderIndex != nil && *in.OrderIndex != current.OrderIndex {
		target := *in.OrderIndex
		if target < 1 || target > count {
			return nil, &ValidationError{Field: "order_index", Reason: fmt.Sprintf("must be between 1 and %d", count), Err: ErrInvalidOrderIndex}
		}
		if err := moveQuestion(ctx, tx, in.ExamID, current.ID, current.OrderIndex, target); err != nil {
			return nil, err
		}
		next.OrderIndex = target
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE questions
		SET prompt = $3,
			points = $4,
			payload = $5,
			updated_at = $6
		WHERE id = $1 AND exam_id = $2
	`, current.ID, in.ExamID, next.Prompt, next.Points, string(payloadJSON), db.ToMillis(now)); err != nil {
		return nil, fmt.Errorf("update question: %w", err)
	}
	if err := s.unpublish(ctx, tx, in.ExamID, published, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update question: %w", err)
	}
	next.UpdatedAt = db.FromMillis(db.ToMillis(now))
	return &next, nil
}

// DeleteQuestion retires a question. The row stays so that answers already
// recorded against it keep their foreign key; it no longer appears in the
// exam's paper. Questions answered in a finalized submission cannot be
// deleted.
func (s *Service) DeleteQuestion(ctx context.Context, examID, questionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, published, err := s.lockExam(ctx, tx, examID)
	if err != nil {
		return err
	}
	current, err := LoadQuestion(ctx, tx, examID, questionID)
	if err != nil {
		return err
	}

	var inUse bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM answers a
			JOIN submissions s ON s.id = a.submission_id
			WHERE a.question_id = $1 AND s.submitted_at IS NOT NULL
		)
	`, questionID).Scan(&inUse); err != nil {
		return fmt.Errorf("check finalized answers: %w", err)
	}
	if inUse {
		return ErrQuestionInUse
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE questions
		SET is_active = FALSE,
			order_index = 0,
			updated_at = $3
		WHERE id = $1 AND exam_id = $2
	`, questionID, examID, db.ToMillis(now)); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE questions
		SET order_index = order_index - 1
		WHERE exam_id = $1 AND is_active = TRUE AND order_index > $2
	`, examID, current.OrderIndex); err != nil {
		return fmt.Errorf("compact question order: %w", err)
	}
	if err := s.unpublish(ctx, tx, examID, published, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete question: %w", err)
	}
	return nil
}

// ListQuestions returns the full (unsanitized) questions of an exam for
// authoring and review.
func (s *Service) ListQuestions(ctx context.Context, examID int64) ([]Question, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM exams WHERE id = $1)`, examID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check exam: %w", err)
	}
	if !exists {
		return nil, ErrExamNotFound
	}
	return LoadForExam(ctx, s.db, examID)
}

// lockExam locks the exam row for the rest of tx and returns its active
// question count and whether it is published.
func (s *Service) lockExam(ctx context.Context, tx *sql.Tx, examID int64) (int, bool, error) {
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM exams WHERE id = $1`+s.dialect.LockClause(), examID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrExamNotFound
		}
		return 0, false, fmt.Errorf("lock exam: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE exam_id = $1 AND is_active = TRUE`, examID).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("count questions: %w", err)
	}
	return count, status == "published", nil
}

// unpublish sends a published exam back to draft after its questions change;
// publishing again re-validates the paper.
func (s *Service) unpublish(ctx context.Context, tx *sql.Tx, examID int64, published bool, now time.Time) error {
	if !published {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE exams SET status = 'draft', updated_at = $2 WHERE id = $1
	`, examID, db.ToMillis(now)); err != nil {
		return fmt.Errorf("unpublish exam: %w", err)
	}
	return nil
}

func moveQuestion(ctx context.Context, tx *sql.Tx, examID, questionID int64, from, to int) error {
	var err error
	if to < from {
		_, err = tx.ExecContext(ctx, `
			UPDATE questions
			SET order_index = order_index + 1
			WHERE exam_id = $1 AND is_active = TRUE AND order_index >= $2 AND order_index < $3
		`, examID, to, from)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE questions
			SET order_index = order_index - 1
			WHERE exam_id = $1 AND is_active = TRUE AND order_index > $2 AND order_index <= $3
		`, examID, from, to)
	}
	if err != nil {
		return fmt.Errorf("shift question order: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE questions SET order_index = $2 WHERE id = $1`, questionID, to); err != nil {
		return fmt.Errorf("move question: %w", err)
	}
	return nil
}

const selectQuestionColumns = `
	SELECT id, exam_id, question_type, order_index, prompt, points, payload, created_at, updated_at
	FROM questions
`

// LoadForExam reads the active questions of an exam ordered by order_index. It runs
// on a plain connection or inside a caller's transaction.
func LoadForExam(ctx context.Context, q Queryer, examID int64) ([]Question, error) {
	rows, err := q.QueryContext(ctx, selectQuestionColumns+`
		WHERE exam_id = $1 AND is_active = TRUE
		ORDER BY order_index ASC, id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	for rows.Next() {
		item, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func LoadQuestion(ctx context.Context, q Queryer, examID, questionID int64) (*Question, error) {
	row := q.QueryRowContext(ctx, selectQuestionColumns+`WHERE id = $1 AND is_active = TRUE`, questionID)
	item, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, err
	}
	if item.ExamID != examID {
		return nil, ErrQuestionNotInExam
	}
	return item, nil
}

func scanQuestion(scanner interface{ Scan(dest ...any) error }) (*Question, error) {
	var (
		item      Question
		rawType   string
		payload   []byte
		createdAt int64
		updatedAt int64
	)
	if err := scanner.Scan(&item.ID, &item.ExamID, &rawType, &item.OrderIndex, &item.Prompt, &item.Points, &payload, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan question: %w", err)
	}
	t, err := ParseType(rawType)
	if err != nil {
		return nil, fmt.Errorf("question %d: %w", item.ID, err)
	}
	p, err := DecodePayload(t, payload)
	if err != nil {
		return nil, fmt.Errorf("question %d: %w", item.ID, err)
	}
	item.Type = t
	item.Payload = p
	item.CreatedAt = db.FromMillis(createdAt)
	item.UpdatedAt = db.FromMillis(updatedAt)
	return &item, nil
}
