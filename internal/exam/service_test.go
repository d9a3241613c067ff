package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cbtscore/internal/db"
	"cbtscore/internal/question"
)

var (
	windowStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	t      *testing.T
	db     *sql.DB
	svc    *Service
	qsvc   *question.Service
	pub    *recordingPublisher
	now    time.Time
	examID int64
	q      map[string]int64
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "exam.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(ctx, sqlDB, db.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{t: t, db: sqlDB, pub: &recordingPublisher{}, now: windowStart.Add(time.Hour), q: map[string]int64{}}
	opts.Dialect = db.DialectSQLite
	opts.Now = func() time.Time { return f.now }
	if opts.Publisher == nil {
		opts.Publisher = f.pub
	}
	f.svc = NewService(sqlDB, opts)
	f.qsvc = question.NewService(sqlDB, db.DialectSQLite)

	start, end := windowStart, windowEnd
	ex, err := f.svc.CreateExam(ctx, ExamInput{Code: "uh-ipa-1", Title: "Ulangan Harian IPA", StartAt: &start, EndAt: &end, CreatedBy: 1})
	if err != nil {
		t.Fatalf("create exam: %v", err)
	}
	f.examID = ex.ID

	f.addQuestion("mc", "multiple_choice", 10, `{"options":[{"id":"A","text":"Bandung"},{"id":"B","text":"Jakarta"}],"correct_option_id":"B"}`)
	f.addQuestion("tf", "true_false", 5, `{"correct":true}`)
	f.addQuestion("sa", "short_answer", 5, `{"accepted_answers":["Jupiter"]}`)
	f.addQuestion("match", "matching", 9, `{"left":[{"id":"L1","text":"Jepang"},{"id":"L2","text":"Prancis"},{"id":"L3","text":"Mesir"}],"right":[{"id":"R1","text":"Tokyo"},{"id":"R2","text":"Paris"},{"id":"R3","text":"Kairo"}],"pairs":{"L1":"R1","L2":"R2","L3":"R3"}}`)
	f.addQuestion("essay", "essay", 20, `{"min_words":5}`)

	f.publish()
	return f
}

// publish (re)publishes the fixture exam; question edits send it back to draft.
func (f *fixture) publish() {
	f.t.Helper()
	if _, err := f.svc.PublishExam(context.Background(), f.examID); err != nil {
		f.t.Fatalf("publish: %v", err)
	}
}

func (f *fixture) addQuestion(name, typ string, points int, payload string) {
	f.t.Helper()
	q, err := f.qsvc.CreateQuestion(context.Background(), question.CreateQuestionInput{
		ExamID:  f.examID,
		Type:    typ,
		Prompt:  "Soal " + name,
		Points:  points,
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		f.t.Fatalf("create %s question: %v", name, err)
	}
	f.q[name] = q.ID
}

func (f *fixture) save(studentID int64, name, payload string) (*SaveResult, error) {
	return f.svc.SaveAnswer(context.Background(), SaveAnswerInput{
		ExamID:     f.examID,
		StudentID:  studentID,
		QuestionID: f.q[name],
		Payload:    json.RawMessage(payload),
	})
}

func (f *fixture) mustSave(studentID int64, name, payload string) *SaveResult {
	f.t.Helper()
	res, err := f.save(studentID, name, payload)
	if err != nil {
		f.t.Fatalf("save %s: %v", name, err)
	}
	return res
}

func (f *fixture) submit(studentID int64, answers map[string]string) (*SubmitResult, error) {
	raw := make(map[int64]json.RawMessage, len(answers))
	for name, payload := range answers {
		raw[f.q[name]] = json.RawMessage(payload)
	}
	return f.svc.SubmitExam(context.Background(), SubmitInput{ExamID: f.examID, StudentID: studentID, Answers: raw})
}

func TestSaveAnswerGradesAutoQuestions(t *testing.T) {
	f := newFixture(t, Options{})

	res := f.mustSave(7, "mc", `{"selected":"B"}`)
	if res.IsCorrect == nil || !*res.IsCorrect || res.GradeValue == nil || *res.GradeValue != 100 {
		t.Fatalf("expected correct mc with grade 100, got %+v", res)
	}
	if !res.SavedAt.Equal(f.now) {
		t.Fatalf("saved_at = %v, want %v", res.SavedAt, f.now)
	}

	res = f.mustSave(7, "match", `{"pairs":{"L1":"R1"}}`)
	if res.IsCorrect == nil || *res.IsCorrect || res.GradeValue == nil || *res.GradeValue != 33 {
		t.Fatalf("expected partial matching grade 33, got %+v", res)
	}

	res = f.mustSave(7, "essay", `{"text":"tumbuhan membuat makanan sendiri"}`)
	if res.IsCorrect != nil || res.GradeValue != nil {
		t.Fatalf("essay must stay ungraded, got %+v", res)
	}

	// overwrite keeps a single row per question
	f.mustSave(7, "mc", `{"selected":"A"}`)
	draft, err := f.svc.GetDraft(context.Background(), f.examID, 7)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if len(draft.Answers) != 3 {
		t.Fatalf("expected 3 saved answers, got %d", len(draft.Answers))
	}
	if string(draft.Answers[f.q["mc"]]) != `{"selected":"A"}` {
		t.Fatalf("unexpected stored mc answer: %s", draft.Answers[f.q["mc"]])
	}
	if draft.Submission.Status != StatusDraft || draft.Submission.Score != nil {
		t.Fatalf("draft submission must have no score, got %+v", draft.Submission)
	}
}

func TestSaveAnswerWindowGuards(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{name: "before start", now: windowStart.Add(-time.Second), wantErr: ErrNotStarted},
		{name: "at start", now: windowStart},
		{name: "at end", now: windowEnd},
		{name: "after end", now: windowEnd.Add(time.Millisecond), wantErr: ErrWindowClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f.now = tc.now
			_, err := f.save(7, "tf", `{"value":true}`)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			var gerr *GuardError
			if !errors.As(err, &gerr) || gerr.ExamID != f.examID || gerr.StudentID != 7 {
				t.Fatalf("expected guard error with identifiers, got %#v", err)
			}
		})
	}
}

func TestSaveAnswerRejectsUnpublishedExam(t *testing.T) {
	f := newFixture(t, Options{})
	start, end := windowStart, windowEnd
	if _, err := f.svc.UpdateExam(context.Background(), f.examID, ExamInput{Code: "UH-IPA-1", Title: "Ulangan Harian IPA", StartAt: &start, EndAt: &end}); err != nil {
		t.Fatalf("update exam: %v", err)
	}
	if _, err := f.save(7, "tf", `{"value":true}`); !errors.Is(err, ErrNotPublished) {
		t.Fatalf("expected not published, got %v", err)
	}
}

func TestSaveAnswerRejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.SaveAnswer(context.Background(), SaveAnswerInput{ExamID: f.examID, StudentID: 7, QuestionID: 9999, Payload: json.RawMessage(`{}`)})
	if Code(err) != "not-found" {
		t.Fatalf("expected not-found for foreign question, got %v", err)
	}

	_, err = f.save(7, "mc", `{"selected":"Z"}`)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	_, err = f.save(7, "tf", `["yes"]`)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload for array, got %v", err)
	}

	if _, err := f.svc.GetDraft(context.Background(), f.examID, 7); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("rejected saves must not create a submission, got %v", err)
	}
}

func TestSaveAnswerRateLimited(t *testing.T) {
	f := newFixture(t, Options{Limiter: denyLimiter{}})
	if _, err := f.save(7, "mc", `{"selected":"B"}`); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestGetQuestionsForStudentStripsKeys(t *testing.T) {
	f := newFixture(t, Options{})
	items, err := f.svc.GetQuestionsForStudent(context.Background(), f.examID, 7)
	if err != nil {
		t.Fatalf("get questions: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 questions, got %d", len(items))
	}
	for i, q := range items {
		if q.OrderIndex != i+1 {
			t.Fatalf("questions not ordered: %d at %d", q.OrderIndex, i)
		}
		body, err := json.Marshal(q)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, key := range []string{"correct_option_id", `"correct"`, "accepted_answers", `"pairs"`} {
			if strings.Contains(string(body), key) {
				t.Fatalf("question %d leaks %s: %s", q.ID, key, body)
			}
		}
	}
}

func TestSubmitExamScoresEveryQuestion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.mustSave(7, "mc", `{"selected":"B"}`)
	f.mustSave(7, "tf", `{"value":true}`)

	res, err := f.submit(7, map[string]string{
		"tf":    `{"value":false}`,
		"match": `{"pairs":{"L1":"R1","L2":"R2","L3":"R1"}}`,
		"essay": `{"text":"cahaya matahari diubah menjadi energi kimia"}`,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != StatusPending || res.Score != nil {
		t.Fatalf("expected pending without score, got %+v", res)
	}
	if res.TotalQuestions != 5 || res.TotalGraded != 4 {
		t.Fatalf("unexpected totals: %+v", res)
	}

	review, err := f.svc.ReviewSubmission(ctx, res.SubmissionID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	for _, item := range review.Items {
		if item.Answer == nil {
			t.Fatalf("question %d has no answer row after submit", item.Question.ID)
		}
	}
	byID := map[int64]ReviewItem{}
	for _, item := range review.Items {
		byID[item.Question.ID] = item
	}
	if a := byID[f.q["tf"]].Answer; a.IsCorrect == nil || *a.IsCorrect {
		t.Fatalf("submitted tf payload must override the saved one, got %+v", a)
	}
	if a := byID[f.q["sa"]].Answer; string(a.Payload) != `{}` || a.IsCorrect == nil || *a.IsCorrect {
		t.Fatalf("unanswered sa must be stored as incorrect, got %+v", a)
	}
	mc := byID[f.q["mc"]].Question.Payload.(question.MultipleChoice)
	if mc.CorrectOptionID != "B" {
		t.Fatalf("review must include answer keys, got %+v", mc)
	}

	graded, err := f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: res.SubmissionID, QuestionID: f.q["essay"], Points: 15, GradedBy: 2})
	if err != nil {
		t.Fatalf("grade essay: %v", err)
	}
	// mc 10 + tf 0 + sa 0 + matching round(0.67*9)=6 + essay 15
	if graded.Status != StatusCompleted || graded.Score == nil || *graded.Score != 31 {
		t.Fatalf("expected completed score 31, got %+v", graded)
	}

	want := []string{EventSubmissionFinalized, EventSubmissionRescored}
	if got := f.pub.keys(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSubmitExamWithoutEssayCompletesImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.qsvc.DeleteQuestion(context.Background(), f.examID, f.q["essay"]); err != nil {
		t.Fatalf("delete essay: %v", err)
	}
	f.publish()

	res, err := f.submit(7, map[string]string{"mc": `{"selected":"B"}`, "sa": `{"text":"jupiter"}`})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != StatusCompleted || res.Score == nil || *res.Score != 15 {
		t.Fatalf("expected completed score 15, got %+v", res)
	}
}

func TestSubmitExamIsFinal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.submit(7, nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := f.submit(7, nil); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	if _, err := f.save(7, "mc", `{"selected":"B"}`); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("save after submit: expected already finalized, got %v", err)
	}
	if _, err := f.svc.GetQuestionsForStudent(ctx, f.examID, 7); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("questions after submit: expected already finalized, got %v", err)
	}
	if _, err := f.svc.StartSubmission(ctx, f.examID, 7); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("start after submit: expected already finalized, got %v", err)
	}

	// another student is unaffected
	if _, err := f.save(8, "mc", `{"selected":"B"}`); err != nil {
		t.Fatalf("other student save: %v", err)
	}
}

func TestSubmitExamRejectsBeforeWriting(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.SubmitExam(ctx, SubmitInput{
		ExamID:    f.examID,
		StudentID: 7,
		Answers:   map[int64]json.RawMessage{9999: json.RawMessage(`{}`)},
	})
	if !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("expected unknown question, got %v", err)
	}

	if _, err := f.submit(7, map[string]string{"tf": `{"value":"ya"}`}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}

	_, err = f.svc.SubmitExam(ctx, SubmitInput{
		ExamID:    f.examID,
		StudentID: 7,
		Answers:   map[int64]json.RawMessage{f.q["mc"]: json.RawMessage(`{"selected":"B"}`)},
		Checksum:  "00000000000000000000000000000000000000000000000000000000000000ff",
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	if _, err := f.svc.GetDraft(ctx, f.examID, 7); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("rejected submits must not write, got %v", err)
	}

	f.now = windowEnd.Add(time.Minute)
	if _, err := f.submit(7, nil); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected window closed, got %v", err)
	}
}

func TestSubmitExamRequiredChecksum(t *testing.T) {
	f := newFixture(t, Options{RequireChecksum: true})

	if _, err := f.submit(7, map[string]string{"mc": `{"selected":"B"}`}); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum required, got %v", err)
	}

	answers := map[int64]json.RawMessage{f.q["mc"]: json.RawMessage(`{"selected":"B"}`)}
	sum, err := AnswersChecksum(answers)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if _, err := f.svc.SubmitExam(context.Background(), SubmitInput{ExamID: f.examID, StudentID: 7, Answers: answers, Checksum: sum}); err != nil {
		t.Fatalf("submit with checksum: %v", err)
	}
}

func TestGradeEssayAnswerValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	draft, err := f.svc.StartSubmission(ctx, f.examID, 7)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: draft.ID, QuestionID: f.q["essay"], Points: 5})
	if !errors.Is(err, ErrSubmissionNotFinal) {
		t.Fatalf("expected submission not final, got %v", err)
	}

	res, err := f.submit(7, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	tests := []struct {
		name       string
		questionID int64
		points     float64
		wantErr    error
	}{
		{name: "auto graded question", questionID: f.q["mc"], points: 5, wantErr: ErrInvalidGradeValue},
		{name: "above max", questionID: f.q["essay"], points: 20.5, wantErr: ErrInvalidGradeValue},
		{name: "negative", questionID: f.q["essay"], points: -1, wantErr: ErrInvalidGradeValue},
		{name: "foreign question", questionID: 9999, points: 1, wantErr: ErrUnknownQuestion},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: res.SubmissionID, QuestionID: tc.questionID, Points: tc.points})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if _, err := f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: 424242, QuestionID: f.q["essay"], Points: 1}); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected submission not found, got %v", err)
	}

	feedback := "Bagus"
	graded, err := f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: res.SubmissionID, QuestionID: f.q["essay"], Points: 20, Feedback: &feedback, GradedBy: 3})
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if graded.Score == nil || *graded.Score != 20 {
		t.Fatalf("expected score 20, got %+v", graded)
	}

	// regrading without feedback keeps the stored feedback
	if _, err := f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: res.SubmissionID, QuestionID: f.q["essay"], Points: 18, GradedBy: 3}); err != nil {
		t.Fatalf("regrade: %v", err)
	}
	review, err := f.svc.ReviewSubmission(ctx, res.SubmissionID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	for _, item := range review.Items {
		if item.Question.ID != f.q["essay"] {
			continue
		}
		if item.Answer.Feedback == nil || *item.Answer.Feedback != "Bagus" {
			t.Fatalf("feedback lost: %+v", item.Answer)
		}
		if item.Answer.GradedBy == nil || *item.Answer.GradedBy != 3 {
			t.Fatalf("graded_by not stored: %+v", item.Answer)
		}
	}
	if review.Submission.Score == nil || *review.Submission.Score != 18 {
		t.Fatalf("expected stored score 18, got %v", review.Submission.Score)
	}
}

func TestRecalculateExam(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.submit(7, map[string]string{"mc": `{"selected":"B"}`, "tf": `{"value":true}`})
	if err != nil {
		t.Fatalf("submit 7: %v", err)
	}
	if _, err := f.svc.GradeEssayAnswer(ctx, GradeEssayInput{SubmissionID: first.SubmissionID, QuestionID: f.q["essay"], Points: 10}); err != nil {
		t.Fatalf("grade essay: %v", err)
	}
	second, err := f.submit(8, map[string]string{"mc": `{"selected":"A"}`})
	if err != nil {
		t.Fatalf("submit 8: %v", err)
	}
	f.mustSave(9, "mc", `{"selected":"A"}`)

	// answer key correction: A becomes the right option
	if _, err := f.qsvc.UpdateQuestion(ctx, question.UpdateQuestionInput{
		ID:      f.q["mc"],
		ExamID:  f.examID,
		Prompt:  "Soal mc",
		Points:  10,
		Payload: json.RawMessage(`{"options":[{"id":"A","text":"Bandung"},{"id":"B","text":"Jakarta"}],"correct_option_id":"A"}`),
	}); err != nil {
		t.Fatalf("update key: %v", err)
	}

	res, err := f.svc.RecalculateExam(ctx, f.examID)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if res.UpdatedCount != 2 {
		t.Fatalf("expected 2 finalized submissions, got %d", res.UpdatedCount)
	}

	scores := func() map[int64]*int {
		items, err := f.svc.ListSubmissions(ctx, f.examID)
		if err != nil {
			t.Fatalf("list submissions: %v", err)
		}
		out := map[int64]*int{}
		for _, s := range items {
			out[s.ID] = s.Score
		}
		return out
	}
	got := scores()
	// student 7: tf 5 + essay 10, mc now wrong
	if s := got[first.SubmissionID]; s == nil || *s != 15 {
		t.Fatalf("student 7 score = %v, want 15", s)
	}
	// student 8 stays pending on the ungraded essay
	if s := got[second.SubmissionID]; s != nil {
		t.Fatalf("student 8 must stay pending, got %v", *s)
	}

	if _, err := f.svc.RecalculateExam(ctx, f.examID); err != nil {
		t.Fatalf("second recalculate: %v", err)
	}
	again := scores()
	if *again[first.SubmissionID] != *got[first.SubmissionID] || again[second.SubmissionID] != nil {
		t.Fatalf("recalculate is not idempotent: %v vs %v", again, got)
	}

	draft, err := f.svc.GetDraft(ctx, f.examID, 9)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if draft.Submission.Status != StatusDraft || draft.Submission.Score != nil {
		t.Fatalf("draft submissions must not be rescored, got %+v", draft.Submission)
	}

	if _, err := f.svc.RecalculateExam(ctx, 4242); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("expected exam not found, got %v", err)
	}
}

func TestRecalculateFillsQuestionsAddedLater(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.qsvc.DeleteQuestion(ctx, f.examID, f.q["essay"]); err != nil {
		t.Fatalf("delete essay: %v", err)
	}
	f.publish()
	res, err := f.submit(7, map[string]string{"mc": `{"selected":"B"}`})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.addQuestion("tf2", "true_false", 5, `{"correct":false}`)

	if _, err := f.svc.RecalculateExam(ctx, f.examID); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	review, err := f.svc.ReviewSubmission(ctx, res.SubmissionID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if len(review.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(review.Items))
	}
	for _, item := range review.Items {
		if item.Answer == nil {
			t.Fatalf("question %d still has no answer row", item.Question.ID)
		}
	}
	if review.Submission.Score == nil || *review.Submission.Score != 10 {
		t.Fatalf("expected score 10, got %v", review.Submission.Score)
	}
}

func TestReviewSubmissionRequiresFinal(t *testing.T) {
	f := newFixture(t, Options{})
	sub, err := f.svc.StartSubmission(context.Background(), f.examID, 7)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.ReviewSubmission(context.Background(), sub.ID); !errors.Is(err, ErrSubmissionNotFinal) {
		t.Fatalf("expected submission not final, got %v", err)
	}
	if _, err := f.svc.GetResult(context.Background(), f.examID, 7); !errors.Is(err, ErrSubmissionNotFinal) {
		t.Fatalf("expected submission not final for result, got %v", err)
	}
}

func TestPublishExamValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	empty, err := f.svc.CreateExam(ctx, ExamInput{Code: "UH-KOSONG", Title: "Kosong"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.PublishExam(ctx, empty.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input without window, got %v", err)
	}

	start, end := windowStart, windowEnd
	if _, err := f.svc.UpdateExam(ctx, empty.ID, ExamInput{Code: "UH-KOSONG", Title: "Kosong", StartAt: &start, EndAt: &end}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.svc.PublishExam(ctx, empty.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input without questions, got %v", err)
	}

	if _, err := f.svc.CreateExam(ctx, ExamInput{Code: "UH-IPA-1", Title: "Duplikat"}); !errors.Is(err, ErrDuplicateExamCode) {
		t.Fatalf("expected duplicate code, got %v", err)
	}
	if _, err := f.svc.UpdateExam(ctx, empty.ID, ExamInput{Code: "uh-ipa-1", Title: "Duplikat"}); !errors.Is(err, ErrDuplicateExamCode) {
		t.Fatalf("expected duplicate code on update, got %v", err)
	}
}

func TestDeleteQuestionKeepsFinalizedSubmissionsIntact(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// a draft answer on a question that is later deleted
	f.mustSave(8, "sa", `{"text":"jupiter"}`)
	if err := f.qsvc.DeleteQuestion(ctx, f.examID, f.q["sa"]); err != nil {
		t.Fatalf("delete sa: %v", err)
	}
	ex, err := f.svc.GetExam(ctx, f.examID)
	if err != nil {
		t.Fatalf("get exam: %v", err)
	}
	if ex.Status != ExamStatusDraft {
		t.Fatalf("question delete must unpublish the exam, got %s", ex.Status)
	}
	if _, err := f.save(8, "mc", `{"selected":"B"}`); !errors.Is(err, ErrNotPublished) {
		t.Fatalf("expected not published after delete, got %v", err)
	}
	f.publish()

	draft, err := f.svc.GetDraft(ctx, f.examID, 8)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, ok := draft.Answers[f.q["sa"]]; ok {
		t.Fatalf("draft must not show answers to deleted questions: %v", draft.Answers)
	}
	if _, err := f.save(8, "sa", `{"text":"saturnus"}`); !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("expected unknown question, got %v", err)
	}

	res, err := f.submit(7, map[string]string{"mc": `{"selected":"B"}`})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.qsvc.DeleteQuestion(ctx, f.examID, f.q["mc"]); !errors.Is(err, question.ErrQuestionInUse) {
		t.Fatalf("expected question in use, got %v", err)
	}
	ex, err = f.svc.GetExam(ctx, f.examID)
	if err != nil {
		t.Fatalf("get exam: %v", err)
	}
	if ex.Status != ExamStatusPublished {
		t.Fatalf("refused delete must not unpublish, got %s", ex.Status)
	}

	review, err := f.svc.ReviewSubmission(ctx, res.SubmissionID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if len(review.Items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(review.Items))
	}
	for _, item := range review.Items {
		if item.Question.ID == f.q["mc"] && (item.Answer == nil || item.Answer.GradeValue == nil || *item.Answer.GradeValue != 100) {
			t.Fatalf("mc answer lost or regraded: %+v", item.Answer)
		}
	}
}

func TestConcurrentSavesToDifferentQuestions(t *testing.T) {
	f := newFixture(t, Options{})
	payloads := map[string]string{
		"mc":    `{"selected":"B"}`,
		"tf":    `{"value":true}`,
		"sa":    `{"text":"Jupiter"}`,
		"match": `{"pairs":{"L1":"R1"}}`,
		"essay": `{"text":"air menguap lalu mengembun menjadi awan"}`,
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(payloads))
	for name, payload := range payloads {
		wg.Add(1)
		go func(name, payload string) {
			defer wg.Done()
			if _, err := f.save(7, name, payload); err != nil {
				errs <- err
			}
		}(name, payload)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent save: %v", err)
	}

	draft, err := f.svc.GetDraft(context.Background(), f.examID, 7)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if len(draft.Answers) != len(payloads) {
		t.Fatalf("expected %d answers, got %d", len(payloads), len(draft.Answers))
	}
	for name, payload := range payloads {
		if got := string(draft.Answers[f.q[name]]); got != payload {
			t.Fatalf("%s: stored %s, want %s", name, got, payload)
		}
	}

	subs, err := f.svc.ListSubmissions(context.Background(), f.examID)
	if err != nil {
		t.Fatalf("list submissions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("concurrent first saves must share one submission, got %d", len(subs))
	}
}

func TestConcurrentSubmitFinalizesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.mustSave(7, "essay", `{"text":"air menguap lalu mengembun menjadi awan"}`)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.submit(7, map[string]string{"mc": `{"selected":"B"}`})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrDuplicateSubmission):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one finalize, got successes=%d conflicts=%d", successes, conflicts)
	}

	finalized := 0
	for _, key := range f.pub.keys() {
		if key == EventSubmissionFinalized {
			finalized++
		}
	}
	if finalized != 1 {
		t.Fatalf("expected one finalized event, got %d", finalized)
	}

	res, err := f.svc.GetResult(context.Background(), f.examID, 7)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != StatusPending || res.SubmittedAt == nil {
		t.Fatalf("expected pending with ungraded essay, got %+v", res)
	}
}
