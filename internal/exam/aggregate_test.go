package exam

import (
	"testing"

	"cbtscore/internal/question"
)

func TestAggregateScore(t *testing.T) {
	mixed := []question.Question{
		mcQuestion(1, 10),
		tfQuestion(2, 5, true),
		matchingQuestion(3, 9),
		essayQuestion(4, 20),
	}

	tests := []struct {
		name      string
		questions []question.Question
		grades    map[int64]AnswerGrade
		score     *int
		status    string
		auto      int
		manual    float64
		graded    int
	}{
		{
			name:      "all auto correct",
			questions: mixed[:3],
			grades: map[int64]AnswerGrade{
				1: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				2: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				3: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
			},
			score: intPtr(24), status: StatusCompleted, auto: 24, graded: 3,
		},
		{
			name:      "matching partial credit rounds per question",
			questions: mixed[:3],
			grades: map[int64]AnswerGrade{
				1: {IsCorrect: boolPtr(false), GradeValue: floatPtr(0)},
				2: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				3: {IsCorrect: boolPtr(false), GradeValue: floatPtr(67)},
			},
			score: intPtr(11), status: StatusCompleted, auto: 11, graded: 3,
		},
		{
			name:      "ungraded essay keeps score pending",
			questions: mixed,
			grades: map[int64]AnswerGrade{
				1: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				2: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				3: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				4: {},
			},
			score: nil, status: StatusPending, auto: 24, graded: 3,
		},
		{
			name:      "graded essay adds manual points",
			questions: mixed,
			grades: map[int64]AnswerGrade{
				1: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
				2: {IsCorrect: boolPtr(false), GradeValue: floatPtr(0)},
				3: {IsCorrect: boolPtr(false), GradeValue: floatPtr(33)},
				4: {GradeValue: floatPtr(12.5)},
			},
			score: intPtr(26), status: StatusCompleted, auto: 13, manual: 12.5, graded: 4,
		},
		{
			name:      "essay points are clamped to the question maximum",
			questions: mixed[3:],
			grades:    map[int64]AnswerGrade{4: {GradeValue: floatPtr(35)}},
			score:     intPtr(20), status: StatusCompleted, manual: 20, graded: 1,
		},
		{
			name:      "missing answers earn nothing",
			questions: mixed[:3],
			grades:    map[int64]AnswerGrade{},
			score:     intPtr(0), status: StatusCompleted, graded: 3,
		},
		{
			name:      "correct flag without raw score still earns full points",
			questions: mixed[:1],
			grades:    map[int64]AnswerGrade{1: {IsCorrect: boolPtr(true)}},
			score:     intPtr(10), status: StatusCompleted, auto: 10, graded: 1,
		},
		{
			name:      "no questions",
			questions: nil,
			grades:    nil,
			score:     intPtr(0), status: StatusCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := AggregateScore(tc.questions, tc.grades)
			assertIntPtr(t, "score", got.Score, tc.score)
			if got.Status != tc.status {
				t.Fatalf("status = %q, want %q", got.Status, tc.status)
			}
			if got.EarnedAuto != tc.auto {
				t.Fatalf("earned auto = %d, want %d", got.EarnedAuto, tc.auto)
			}
			if got.EarnedManual != tc.manual {
				t.Fatalf("earned manual = %v, want %v", got.EarnedManual, tc.manual)
			}
			if got.TotalGraded != tc.graded {
				t.Fatalf("total graded = %d, want %d", got.TotalGraded, tc.graded)
			}
			if got.TotalQuestions != len(tc.questions) {
				t.Fatalf("total questions = %d, want %d", got.TotalQuestions, len(tc.questions))
			}
		})
	}
}

func TestAggregateScoreNeverExceedsTotalPoints(t *testing.T) {
	questions := []question.Question{mcQuestion(1, 3), matchingQuestion(2, 7), essayQuestion(3, 4)}
	grades := map[int64]AnswerGrade{
		1: {IsCorrect: boolPtr(true), GradeValue: floatPtr(100)},
		2: {IsCorrect: boolPtr(true), GradeValue: floatPtr(250)},
		3: {GradeValue: floatPtr(99)},
	}
	got := AggregateScore(questions, grades)
	if got.Score == nil || *got.Score != got.TotalPoints {
		t.Fatalf("expected score capped at %d, got %v", got.TotalPoints, got.Score)
	}
}

func TestAggregateScoreNegativeEssayClampsToZero(t *testing.T) {
	got := AggregateScore([]question.Question{essayQuestion(1, 10)}, map[int64]AnswerGrade{1: {GradeValue: floatPtr(-4)}})
	if got.Score == nil || *got.Score != 0 {
		t.Fatalf("expected 0, got %v", got.Score)
	}
}
