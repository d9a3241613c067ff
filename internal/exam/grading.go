package exam

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"cbtscore/internal/db"
	"cbtscore/internal/question"
)

type GradeEssayInput struct {
	SubmissionID int64
	QuestionID   int64
	Points       float64
	// Feedback replaces the stored feedback when non-nil.
	Feedback *string
	GradedBy int64
}

type ScoreResult struct {
	SubmissionID   int64  `json:"submission_id"`
	ExamID         int64  `json:"exam_id"`
	StudentID      int64  `json:"student_id"`
	Score          *int   `json:"score"`
	Status         string `json:"status"`
	TotalQuestions int    `json:"total_questions"`
	TotalGraded    int    `json:"total_graded"`
}

type RecalculateResult struct {
	ExamID       int64 `json:"exam_id"`
	UpdatedCount int   `json:"updated_count"`
}

type RecalculatedEvent struct {
	ExamID       int64 `json:"exam_id"`
	UpdatedCount int   `json:"updated_count"`
}

// GradeEssayAnswer records a grader's points for one essay answer of a
// finalized submission and recomputes the submission score.
func (s *Service) GradeEssayAnswer(ctx context.Context, in GradeEssayInput) (*ScoreResult, error) {
	const op = "grade essay"
	if math.IsNaN(in.Points) || math.IsInf(in.Points, 0) {
		return nil, &question.ValidationError{Field: "points", Reason: "must be a finite number", Err: ErrInvalidGradeValue}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grade tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := s.loadSubmission(ctx, tx, in.SubmissionID, true)
	if err != nil {
		return nil, err
	}
	if sub.SubmittedAt == nil {
		return nil, guard(op, sub.ExamID, sub.StudentID, sub.ID, sub.Status, ErrSubmissionNotFinal)
	}

	questions, err := question.LoadForExam(ctx, tx, sub.ExamID)
	if err != nil {
		return nil, err
	}
	var target *question.Question
	for i := range questions {
		if questions[i].ID == in.QuestionID {
			target = &questions[i]
			break
		}
	}
	if target == nil {
		return nil, guard(op, sub.ExamID, sub.StudentID, sub.ID, sub.Status, ErrUnknownQuestion)
	}
	if target.Type != question.TypeEssay {
		return nil, &question.ValidationError{Field: "question_id", Reason: "only essay answers take manual grades", Err: ErrInvalidGradeValue}
	}
	if in.Points < 0 || in.Points > float64(target.Points) {
		return nil, &question.ValidationError{
			Field:  "points",
			Reason: fmt.Sprintf("must be between 0 and %d", target.Points),
			Err:    ErrInvalidGradeValue,
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE answers
		SET grade_value = $3,
			feedback = COALESCE($4, feedback),
			graded_by = $5,
			updated_at = $6
		WHERE submission_id = $1 AND question_id = $2
	`, sub.ID, target.ID, in.Points, nullString(in.Feedback), in.GradedBy, db.ToMillis(now))
	if err != nil {
		return nil, fmt.Errorf("store essay grade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAnswerNotFound
	}

	agg, err := s.rescore(ctx, tx, sub, questions, now, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grade: %w", err)
	}

	s.metrics.SubmissionsRescored("essay", 1)
	s.publish(ctx, EventSubmissionRescored, SubmissionEvent{
		SubmissionID: sub.ID,
		ExamID:       sub.ExamID,
		StudentID:    sub.StudentID,
		Status:       agg.Status,
		Score:        agg.Score,
		OccurredAt:   db.FromMillis(db.ToMillis(now)),
	})

	return &ScoreResult{
		SubmissionID:   sub.ID,
		ExamID:         sub.ExamID,
		StudentID:      sub.StudentID,
		Score:          agg.Score,
		Status:         agg.Status,
		TotalQuestions: agg.TotalQuestions,
		TotalGraded:    agg.TotalGraded,
	}, nil
}

// RecalculateExam re-grades the auto-graded answers of every finalized
// submission from their stored payloads and rescores each submission. Stored
// payloads and essay grades are left alone. The whole exam is one
// transaction.
func (s *Service) RecalculateExam(ctx context.Context, examID int64) (*RecalculateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recalculate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.loadExam(ctx, tx, examID, true); err != nil {
		return nil, err
	}
	questions, err := question.LoadForExam(ctx, tx, examID)
	if err != nil {
		return nil, err
	}
	subs, err := s.finalizedSubmissions(ctx, tx, examID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range subs {
		sub := &subs[i]
		if err := s.regradeAnswers(ctx, tx, sub, questions, now); err != nil {
			return nil, err
		}
		if _, err := s.rescore(ctx, tx, sub, questions, now, false); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recalculate: %w", err)
	}

	log.Printf("exam: recalculated exam=%d submissions=%d", examID, len(subs))
	s.metrics.SubmissionsRescored("recalculate", len(subs))
	s.publish(ctx, EventExamRecalculated, RecalculatedEvent{ExamID: examID, UpdatedCount: len(subs)})
	return &RecalculateResult{ExamID: examID, UpdatedCount: len(subs)}, nil
}

func (s *Service) regradeAnswers(ctx context.Context, tx *sql.Tx, sub *Submission, questions []question.Question, now time.Time) error {
	answers, err := loadAnswers(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	for _, q := range questions {
		a, ok := answers[q.ID]
		if !ok {
			// question added after the submission was finalized
			if err := upsertAnswer(ctx, tx, sub.ID, q.ID, "{}", Grade(q, question.Response{}), now); err != nil {
				return err
			}
			continue
		}
		if !q.Type.AutoGraded() {
			continue
		}

		verdict, fits := GradePayload(q, a.Payload)
		if !fits {
			log.Printf("exam: submission=%d question=%d stored answer no longer fits question, scored as unanswered", sub.ID, q.ID)
		}
		if sameVerdict(a, verdict) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE answers
			SET is_correct = $3,
				grade_value = $4,
				updated_at = $5
			WHERE submission_id = $1 AND question_id = $2
		`, sub.ID, q.ID, nullBool(verdict.IsCorrect), nullFloat(rawScoreValue(verdict)), db.ToMillis(now)); err != nil {
			return fmt.Errorf("regrade answer: %w", err)
		}
	}
	return nil
}

func (s *Service) finalizedSubmissions(ctx context.Context, tx *sql.Tx, examID int64) ([]Submission, error) {
	rows, err := tx.QueryContext(ctx, selectSubmissionColumns+`
		WHERE exam_id = $1 AND submitted_at IS NOT NULL
		ORDER BY id ASC
	`+s.dialect.LockClause(), examID)
	if err != nil {
		return nil, fmt.Errorf("query finalized submissions: %w", err)
	}
	defer rows.Close()

	out := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finalized submissions: %w", err)
	}
	return out, nil
}

func sameVerdict(a Answer, v Verdict) bool {
	if (a.IsCorrect == nil) != (v.IsCorrect == nil) {
		return false
	}
	if a.IsCorrect != nil && *a.IsCorrect != *v.IsCorrect {
		return false
	}
	if (a.GradeValue == nil) != (v.RawScore == nil) {
		return false
	}
	return a.GradeValue == nil || *a.GradeValue == float64(*v.RawScore)
}
