package exam

import (
	"math"

	"cbtscore/internal/question"
)

const (
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// AnswerGrade is the stored grading state of one answer row. For auto-graded
// questions GradeValue holds the 0-100 raw score; for essays it holds the
// earned points entered by a grader.
type AnswerGrade struct {
	IsCorrect  *bool
	GradeValue *float64
}

type Aggregate struct {
	TotalPoints     int     `json:"total_points"`
	EarnedAuto      int     `json:"earned_auto"`
	EarnedManual    float64 `json:"earned_manual"`
	AllManualGraded bool    `json:"all_manual_graded"`
	Score           *int    `json:"score"`
	Status          string  `json:"status"`
	TotalQuestions  int     `json:"total_questions"`
	TotalGraded     int     `json:"total_graded"`
}

// AggregateScore combines per-question grades into a submission score. The
// score is a plain point sum with no renormalization, and stays nil while any
// essay is ungraded. A question without a grade entry earns nothing.
func AggregateScore(questions []question.Question, grades map[int64]AnswerGrade) Aggregate {
	out := Aggregate{AllManualGraded: true, TotalQuestions: len(questions)}

	for _, q := range questions {
		out.TotalPoints += q.Points
		g := grades[q.ID]

		if q.Type == question.TypeEssay {
			if g.GradeValue == nil {
				out.AllManualGraded = false
				continue
			}
			out.EarnedManual += clamp(*g.GradeValue, 0, float64(q.Points))
			out.TotalGraded++
			continue
		}

		out.TotalGraded++
		if q.Type == question.TypeMatching {
			if g.GradeValue != nil {
				raw := clamp(*g.GradeValue, 0, 100)
				out.EarnedAuto += int(math.Round(raw / 100 * float64(q.Points)))
			}
			continue
		}
		if g.IsCorrect != nil && *g.IsCorrect {
			out.EarnedAuto += q.Points
		}
	}

	if out.AllManualGraded {
		score := int(math.Round(float64(out.EarnedAuto) + out.EarnedManual))
		out.Score = &score
		out.Status = StatusCompleted
	} else {
		out.Status = StatusPending
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
