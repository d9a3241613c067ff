package exam

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"cbtscore/internal/db"
	"cbtscore/internal/question"
)

const (
	EventSubmissionFinalized = "submission.finalized"
	EventSubmissionRescored  = "submission.rescored"
	EventExamRecalculated    = "exam.recalculated"
)

// Limiter admits at most one save per key per interval.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Publisher delivers domain events after the owning transaction commits.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type Metrics interface {
	AnswerSaved(outcome string)
	SubmissionFinalized(status string)
	SubmissionsRescored(source string, n int)
}

type Options struct {
	Dialect         db.Dialect
	Limiter         Limiter
	Publisher       Publisher
	Metrics         Metrics
	RequireChecksum bool
	Now             func() time.Time
}

type Service struct {
	db              *sql.DB
	dialect         db.Dialect
	limiter         Limiter
	publisher       Publisher
	metrics         Metrics
	requireChecksum bool
	now             func() time.Time
}

type Submission struct {
	ID          int64      `json:"id"`
	ExamID      int64      `json:"exam_id"`
	StudentID   int64      `json:"student_id"`
	StartedAt   time.Time  `json:"started_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	Status      string     `json:"status"`
	Score       *int       `json:"score"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Answer struct {
	SubmissionID int64           `json:"submission_id"`
	QuestionID   int64           `json:"question_id"`
	Payload      json.RawMessage `json:"answer_payload"`
	IsCorrect    *bool           `json:"is_correct,omitempty"`
	GradeValue   *float64        `json:"grade_value,omitempty"`
	Feedback     *string         `json:"feedback,omitempty"`
	GradedBy     *int64          `json:"graded_by,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SaveAnswerInput struct {
	ExamID     int64
	StudentID  int64
	QuestionID int64
	Payload    json.RawMessage
}

type SaveResult struct {
	SubmissionID int64     `json:"submission_id"`
	QuestionID   int64     `json:"question_id"`
	SavedAt      time.Time `json:"saved_at"`
	IsCorrect    *bool     `json:"is_correct,omitempty"`
	GradeValue   *float64  `json:"grade_value,omitempty"`
}

type SubmitInput struct {
	ExamID    int64
	StudentID int64
	Answers   map[int64]json.RawMessage
	Checksum  string
}

type SubmitResult struct {
	SubmissionID   int64     `json:"submission_id"`
	Score          *int      `json:"score"`
	Status         string    `json:"status"`
	TotalQuestions int       `json:"total_questions"`
	TotalGraded    int       `json:"total_graded"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type ReviewItem struct {
	Question question.Question `json:"question"`
	Answer   *Answer           `json:"answer,omitempty"`
}

type Review struct {
	Submission Submission   `json:"submission"`
	Items      []ReviewItem `json:"items"`
}

// DraftView is what a student sees when resuming an attempt: their saved
// payloads without any grading.
type DraftView struct {
	Submission Submission                `json:"submission"`
	Answers    map[int64]json.RawMessage `json:"answers"`
}

type SubmissionEvent struct {
	SubmissionID int64     `json:"submission_id"`
	ExamID       int64     `json:"exam_id"`
	StudentID    int64     `json:"student_id"`
	Status       string    `json:"status"`
	Score        *int      `json:"score"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func NewService(sqlDB *sql.DB, opts Options) *Service {
	s := &Service{
		db:              sqlDB,
		dialect:         opts.Dialect,
		limiter:         opts.Limiter,
		publisher:       opts.Publisher,
		metrics:         opts.Metrics,
		requireChecksum: opts.RequireChecksum,
		now:             opts.Now,
	}
	if s.dialect == "" {
		s.dialect = db.DialectPostgres
	}
	if s.limiter == nil {
		s.limiter = allowAll{}
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// GetQuestionsForStudent returns the key-stripped questions of an exam while
// its window is open and the student has not submitted.
func (s *Service) GetQuestionsForStudent(ctx context.Context, examID, studentID int64) ([]question.Question, error) {
	const op = "get questions"
	ex, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(ex, s.now()); err != nil {
		return nil, guard(op, examID, studentID, 0, "", err)
	}

	sub, err := s.findSubmission(ctx, s.db, examID, studentID)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.SubmittedAt != nil {
		return nil, guard(op, examID, studentID, sub.ID, sub.Status, ErrAlreadyFinalized)
	}

	items, err := question.LoadForExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	return question.SanitizeAll(items), nil
}

// StartSubmission creates the student's submission if it does not exist yet.
// Calling it again returns the same draft.
func (s *Service) StartSubmission(ctx context.Context, examID, studentID int64) (*Submission, error) {
	const op = "start submission"
	now := s.now()
	ex, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(ex, now); err != nil {
		return nil, guard(op, examID, studentID, 0, "", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := s.ensureSubmission(ctx, tx, examID, studentID, now)
	if err != nil {
		return nil, err
	}
	if sub.SubmittedAt != nil {
		return nil, guard(op, examID, studentID, sub.ID, sub.Status, ErrAlreadyFinalized)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit start: %w", err)
	}
	return sub, nil
}

func (s *Service) GetDraft(ctx context.Context, examID, studentID int64) (*DraftView, error) {
	sub, err := s.findSubmission(ctx, s.db, examID, studentID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	answers, err := loadAnswers(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}
	out := &DraftView{Submission: *sub, Answers: make(map[int64]json.RawMessage, len(answers))}
	for qid, a := range answers {
		out.Answers[qid] = a.Payload
	}
	return out, nil
}

// GetResult returns the student's own finalized submission.
func (s *Service) GetResult(ctx context.Context, examID, studentID int64) (*Submission, error) {
	sub, err := s.findSubmission(ctx, s.db, examID, studentID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	if sub.SubmittedAt == nil {
		return nil, guard("get result", examID, studentID, sub.ID, sub.Status, ErrSubmissionNotFinal)
	}
	return sub, nil
}

// SaveAnswer upserts one answer of a draft submission and grades it right
// away when the question is auto-graded.
func (s *Service) SaveAnswer(ctx context.Context, in SaveAnswerInput) (*SaveResult, error) {
	const op = "save answer"
	now := s.now()
	ex, err := s.GetExam(ctx, in.ExamID)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(ex, now); err != nil {
		s.metrics.AnswerSaved(Code(err))
		return nil, guard(op, in.ExamID, in.StudentID, 0, "", err)
	}

	q, err := question.LoadQuestion(ctx, s.db, in.ExamID, in.QuestionID)
	if err != nil {
		if errors.Is(err, question.ErrQuestionNotFound) || errors.Is(err, question.ErrQuestionNotInExam) {
			return nil, guard(op, in.ExamID, in.StudentID, 0, "", fmt.Errorf("question %d %w", in.QuestionID, ErrNotFound))
		}
		return nil, err
	}
	resp, err := question.DecodeResponse(*q, in.Payload)
	if err != nil {
		s.metrics.AnswerSaved(Code(err))
		return nil, err
	}
	payload, err := compactPayload(in.Payload)
	if err != nil {
		return nil, err
	}

	allowed, err := s.limiter.Allow(ctx, saveKey(in.ExamID, in.StudentID, in.QuestionID))
	if err != nil {
		log.Printf("exam: save limiter unavailable exam=%d student=%d: %v", in.ExamID, in.StudentID, err)
	} else if !allowed {
		s.metrics.AnswerSaved("rate-limited")
		return nil, guard(op, in.ExamID, in.StudentID, 0, "", ErrRateLimited)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := s.ensureSubmission(ctx, tx, in.ExamID, in.StudentID, now)
	if err != nil {
		return nil, err
	}
	if sub.SubmittedAt != nil {
		s.metrics.AnswerSaved("already-finalized")
		return nil, guard(op, in.ExamID, in.StudentID, sub.ID, sub.Status, ErrAlreadyFinalized)
	}

	verdict := Grade(*q, resp)
	if err := upsertAnswer(ctx, tx, sub.ID, q.ID, payload, verdict, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	s.metrics.AnswerSaved("saved")
	return &SaveResult{
		SubmissionID: sub.ID,
		QuestionID:   q.ID,
		SavedAt:      db.FromMillis(db.ToMillis(now)),
		IsCorrect:    verdict.IsCorrect,
		GradeValue:   rawScoreValue(verdict),
	}, nil
}

// SubmitExam finalizes the student's submission. Every question of the exam
// is graded, unanswered ones included, and the answers, score and
// submitted_at are written in one transaction.
func (s *Service) SubmitExam(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	const op = "submit exam"
	now := s.now()
	ex, err := s.GetExam(ctx, in.ExamID)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(ex, now); err != nil {
		return nil, guard(op, in.ExamID, in.StudentID, 0, "", err)
	}
	if err := verifyChecksum(in.Answers, in.Checksum, s.requireChecksum); err != nil {
		return nil, guard(op, in.ExamID, in.StudentID, 0, "", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	questions, err := question.LoadForExam(ctx, tx, in.ExamID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]question.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	for qid, raw := range in.Answers {
		q, ok := byID[qid]
		if !ok {
			return nil, &question.ValidationError{Field: fmt.Sprintf("answers.%d", qid), Reason: "is not a question of this exam", Err: ErrUnknownQuestion}
		}
		if _, err := question.DecodeResponse(q, raw); err != nil {
			return nil, err
		}
	}

	sub, err := s.ensureSubmission(ctx, tx, in.ExamID, in.StudentID, now)
	if err != nil {
		return nil, err
	}
	if sub.SubmittedAt != nil {
		return nil, guard(op, in.ExamID, in.StudentID, sub.ID, sub.Status, ErrAlreadyFinalized)
	}

	stored, err := loadAnswers(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	for _, q := range questions {
		raw, provided := in.Answers[q.ID]
		if !provided {
			if a, ok := stored[q.ID]; ok {
				raw = a.Payload
			}
		}
		verdict, ok := GradePayload(q, raw)
		if !ok {
			log.Printf("exam: submission=%d question=%d stored answer no longer fits question, scored as unanswered", sub.ID, q.ID)
		}
		payload, err := compactPayload(raw)
		if err != nil {
			return nil, err
		}
		if err := upsertAnswer(ctx, tx, sub.ID, q.ID, payload, verdict, now); err != nil {
			return nil, err
		}
	}

	agg, err := s.rescore(ctx, tx, sub, questions, now, true)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}

	submittedAt := db.FromMillis(db.ToMillis(now))
	log.Printf("exam: submission finalized exam=%d student=%d submission=%d status=%s", in.ExamID, in.StudentID, sub.ID, agg.Status)
	s.metrics.SubmissionFinalized(agg.Status)
	s.publish(ctx, EventSubmissionFinalized, SubmissionEvent{
		SubmissionID: sub.ID,
		ExamID:       in.ExamID,
		StudentID:    in.StudentID,
		Status:       agg.Status,
		Score:        agg.Score,
		OccurredAt:   submittedAt,
	})

	return &SubmitResult{
		SubmissionID:   sub.ID,
		Score:          agg.Score,
		Status:         agg.Status,
		TotalQuestions: agg.TotalQuestions,
		TotalGraded:    agg.TotalGraded,
		SubmittedAt:    submittedAt,
	}, nil
}

// ReviewSubmission returns a finalized submission with unsanitized questions,
// stored answers and grades.
func (s *Service) ReviewSubmission(ctx context.Context, submissionID int64) (*Review, error) {
	sub, err := s.loadSubmission(ctx, s.db, submissionID, false)
	if err != nil {
		return nil, err
	}
	if sub.SubmittedAt == nil {
		return nil, guard("review submission", sub.ExamID, sub.StudentID, sub.ID, sub.Status, ErrSubmissionNotFinal)
	}

	questions, err := question.LoadForExam(ctx, s.db, sub.ExamID)
	if err != nil {
		return nil, err
	}
	answers, err := loadAnswers(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}

	out := &Review{Submission: *sub, Items: make([]ReviewItem, 0, len(questions))}
	for _, q := range questions {
		item := ReviewItem{Question: q}
		if a, ok := answers[q.ID]; ok {
			a := a
			item.Answer = &a
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (s *Service) ListSubmissions(ctx context.Context, examID int64) ([]Submission, error) {
	if _, err := s.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectSubmissionColumns+`
		WHERE exam_id = $1
		ORDER BY student_id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
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
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// rescore recomputes a submission's score and status from its stored answer
// grades. With finalize set it also stamps submitted_at, guarded so that only
// one finalize can win.
func (s *Service) rescore(ctx context.Context, tx *sql.Tx, sub *Submission, questions []question.Question, now time.Time, finalize bool) (Aggregate, error) {
	answers, err := loadAnswers(ctx, tx, sub.ID)
	if err != nil {
		return Aggregate{}, err
	}
	grades := make(map[int64]AnswerGrade, len(answers))
	for qid, a := range answers {
		grades[qid] = AnswerGrade{IsCorrect: a.IsCorrect, GradeValue: a.GradeValue}
	}
	agg := AggregateScore(questions, grades)

	var score any
	if agg.Score != nil {
		score = *agg.Score
	}
	ms := db.ToMillis(now)

	if finalize {
		res, err := tx.ExecContext(ctx, `
			UPDATE submissions
			SET submitted_at = $2,
				status = $3,
				score = $4,
				updated_at = $2
			WHERE id = $1 AND submitted_at IS NULL
		`, sub.ID, ms, agg.Status, score)
		if err != nil {
			return Aggregate{}, fmt.Errorf("finalize submission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Aggregate{}, guard("submit exam", sub.ExamID, sub.StudentID, sub.ID, sub.Status, ErrDuplicateSubmission)
		}
		return agg, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status = $2,
			score = $3,
			updated_at = $4
		WHERE id = $1
	`, sub.ID, agg.Status, score, ms); err != nil {
		return Aggregate{}, fmt.Errorf("update submission score: %w", err)
	}
	return agg, nil
}

func (s *Service) ensureSubmission(ctx context.Context, tx *sql.Tx, examID, studentID int64, now time.Time) (*Submission, error) {
	ms := db.ToMillis(now)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO submissions (exam_id, student_id, started_at, status, updated_at)
		VALUES ($1, $2, $3, 'draft', $3)
		ON CONFLICT (exam_id, student_id) DO NOTHING
	`, examID, studentID, ms); err != nil {
		return nil, fmt.Errorf("ensure submission: %w", err)
	}

	sub, err := scanSubmission(tx.QueryRowContext(ctx, selectSubmissionColumns+`
		WHERE exam_id = $1 AND student_id = $2
	`+s.dialect.LockClause(), examID, studentID))
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	return sub, nil
}

func (s *Service) findSubmission(ctx context.Context, q question.Queryer, examID, studentID int64) (*Submission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, selectSubmissionColumns+`
		WHERE exam_id = $1 AND student_id = $2
	`, examID, studentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (s *Service) loadSubmission(ctx context.Context, q question.Queryer, submissionID int64, lock bool) (*Submission, error) {
	query := selectSubmissionColumns + `WHERE id = $1`
	if lock {
		query += s.dialect.LockClause()
	}
	sub, err := scanSubmission(q.QueryRowContext(ctx, query, submissionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, payload any) {
	if err := s.publisher.Publish(ctx, routingKey, payload); err != nil {
		log.Printf("exam: publish %s failed: %v", routingKey, err)
	}
}

const selectSubmissionColumns = `
	SELECT id, exam_id, student_id, started_at, submitted_at, status, score, updated_at
	FROM submissions
`

func scanSubmission(scanner interface{ Scan(dest ...any) error }) (*Submission, error) {
	var (
		sub         Submission
		startedAt   int64
		submittedAt sql.NullInt64
		score       sql.NullInt64
		updatedAt   int64
	)
	if err := scanner.Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &startedAt, &submittedAt, &sub.Status, &score, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	sub.StartedAt = db.FromMillis(startedAt)
	sub.SubmittedAt = db.TimePtr(submittedAt)
	sub.UpdatedAt = db.FromMillis(updatedAt)
	if score.Valid {
		v := int(score.Int64)
		sub.Score = &v
	}
	return &sub, nil
}

func loadAnswers(ctx context.Context, q question.Queryer, submissionID int64) (map[int64]Answer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT a.submission_id, a.question_id, a.answer_payload, a.is_correct, a.grade_value, a.feedback, a.graded_by, a.updated_at
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		WHERE a.submission_id = $1 AND q.is_active = TRUE
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Answer)
	for rows.Next() {
		var (
			a          Answer
			payload    []byte
			isCorrect  sql.NullBool
			gradeValue sql.NullFloat64
			feedback   sql.NullString
			gradedBy   sql.NullInt64
			updatedAt  int64
		)
		if err := rows.Scan(&a.SubmissionID, &a.QuestionID, &payload, &isCorrect, &gradeValue, &feedback, &gradedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		if isCorrect.Valid {
			v := isCorrect.Bool
			a.IsCorrect = &v
		}
		if gradeValue.Valid {
			v := gradeValue.Float64
			a.GradeValue = &v
		}
		if feedback.Valid {
			v := feedback.String
			a.Feedback = &v
		}
		if gradedBy.Valid {
			v := gradedBy.Int64
			a.GradedBy = &v
		}
		a.UpdatedAt = db.FromMillis(updatedAt)
		out[a.QuestionID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

func upsertAnswer(ctx context.Context, tx *sql.Tx, submissionID, questionID int64, payload string, v Verdict, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO answers (
			submission_id,
			question_id,
			answer_payload,
			is_correct,
			grade_value,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (submission_id, question_id)
		DO UPDATE SET
			answer_payload = EXCLUDED.answer_payload,
			is_correct = EXCLUDED.is_correct,
			grade_value = EXCLUDED.grade_value,
			updated_at = EXCLUDED.updated_at
	`, submissionID, questionID, payload, nullBool(v.IsCorrect), nullFloat(rawScoreValue(v)), db.ToMillis(now))
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

func compactPayload(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "{}", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", &question.ValidationError{Field: "answer", Reason: "must be valid json", Err: ErrMalformedPayload}
	}
	return buf.String(), nil
}

func rawScoreValue(v Verdict) *float64 {
	if v.RawScore == nil {
		return nil
	}
	f := float64(*v.RawScore)
	return &f
}

func saveKey(examID, studentID, questionID int64) string {
	return fmt.Sprintf("save:%d:%d:%d", examID, studentID, questionID)
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string) (bool, error) { return true, nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

type nopMetrics struct{}

func (nopMetrics) AnswerSaved(string)              {}
func (nopMetrics) SubmissionFinalized(string)      {}
func (nopMetrics) SubmissionsRescored(string, int) {}
