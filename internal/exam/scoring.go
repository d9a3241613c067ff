package exam

import (
	"math"
	"strings"

	"cbtscore/internal/question"
)

// Verdict is the grader's result for one question. RawScore is on a 0-100
// sub-scale; both fields stay nil for essays, which a human grades.
type Verdict struct {
	IsCorrect *bool `json:"is_correct,omitempty"`
	RawScore  *int  `json:"raw_score,omitempty"`
}

// Grade scores one decoded response. It never fails: an unanswered
// auto-graded question is incorrect with a zero raw score.
func Grade(q question.Question, resp question.Response) Verdict {
	switch p := q.Payload.(type) {
	case question.MultipleChoice:
		return binary(resp.Answered && resp.Selected == p.CorrectOptionID)
	case question.TrueFalse:
		return binary(resp.Answered && resp.Value != nil && p.Correct != nil && *resp.Value == *p.Correct)
	case question.ShortAnswer:
		return binary(resp.Answered && matchesShortAnswer(p, resp.Text))
	case question.Matching:
		return gradeMatching(p, resp)
	case question.Essay:
		return Verdict{}
	default:
		return binary(false)
	}
}

// GradePayload decodes a stored payload and grades it. A payload that no
// longer fits the question (for example after an option was removed) scores
// as unanswered; the boolean reports whether that happened.
func GradePayload(q question.Question, raw []byte) (Verdict, bool) {
	resp, err := question.DecodeResponse(q, raw)
	if err != nil {
		return Grade(q, question.Response{}), false
	}
	return Grade(q, resp), true
}

func gradeMatching(p question.Matching, resp question.Response) Verdict {
	n := len(p.Pairs)
	if n == 0 || !resp.Answered {
		return partial(0, false)
	}
	k := 0
	for left, right := range p.Pairs {
		if got, ok := resp.Pairs[left]; ok && got == right {
			k++
		}
	}
	raw := int(math.Round(100 * float64(k) / float64(n)))
	return partial(raw, k == n)
}

func matchesShortAnswer(p question.ShortAnswer, text string) bool {
	got := question.NormalizeText(text)
	if got == "" {
		return false
	}
	for _, accepted := range p.AcceptedAnswers {
		want := question.NormalizeText(accepted)
		if p.CaseSensitive {
			if got == want {
				return true
			}
			continue
		}
		if strings.EqualFold(got, want) {
			return true
		}
	}
	return false
}

func binary(correct bool) Verdict {
	if correct {
		return partial(100, true)
	}
	return partial(0, false)
}

func partial(raw int, correct bool) Verdict {
	return Verdict{IsCorrect: boolPtr(correct), RawScore: &raw}
}

func boolPtr(v bool) *bool {
	return &v
}
