package question

import (
	"encoding/json"
	"strings"
	"time"
)

type Question struct {
	ID         int64     `json:"id"`
	ExamID     int64     `json:"exam_id"`
	Type       Type      `json:"question_type"`
	OrderIndex int       `json:"order_index"`
	Prompt     string    `json:"prompt"`
	Points     int       `json:"points"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type questionJSON struct {
	ID         int64           `json:"id"`
	ExamID     int64           `json:"exam_id"`
	Type       Type            `json:"question_type"`
	OrderIndex int             `json:"order_index"`
	Prompt     string          `json:"prompt"`
	Points     int             `json:"points"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (q Question) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage(`{}`)
	if q.Payload != nil {
		raw, err := json.Marshal(q.Payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	return json.Marshal(questionJSON{
		ID:         q.ID,
		ExamID:     q.ExamID,
		Type:       q.Type,
		OrderIndex: q.OrderIndex,
		Prompt:     q.Prompt,
		Points:     q.Points,
		Payload:    payload,
		CreatedAt:  q.CreatedAt,
		UpdatedAt:  q.UpdatedAt,
	})
}

func (q *Question) UnmarshalJSON(data []byte) error {
	var raw questionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := ParseType(string(raw.Type))
	if err != nil {
		return err
	}
	payload, err := DecodePayload(t, raw.Payload)
	if err != nil {
		return err
	}
	*q = Question{
		ID:         raw.ID,
		ExamID:     raw.ExamID,
		Type:       t,
		OrderIndex: raw.OrderIndex,
		Prompt:     raw.Prompt,
		Points:     raw.Points,
		Payload:    payload,
		CreatedAt:  raw.CreatedAt,
		UpdatedAt:  raw.UpdatedAt,
	}
	return nil
}

// Validate checks the invariants a question must hold before its exam can be
// published.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return invalid("prompt", "is required")
	}
	if q.Points <= 0 {
		return invalid("points", "must be positive")
	}
	if q.Payload == nil {
		return invalid("payload", "is required")
	}
	if q.Payload.Type() != q.Type {
		return invalid("payload", "does not match question_type")
	}
	return q.Payload.Validate()
}

// SanitizeForStudent returns a copy of q with every answer-key field removed.
// Stimulus fields (option text, match items, word bounds) are preserved.
func SanitizeForStudent(q Question) Question {
	out := q
	if q.Payload != nil {
		out.Payload = q.Payload.withoutKey()
	}
	return out
}

func SanitizeAll(items []Question) []Question {
	out := make([]Question, 0, len(items))
	for _, q := range items {
		out = append(out, SanitizeForStudent(q))
	}
	return out
}

// TotalPoints sums points over the list without renormalizing.
func TotalPoints(items []Question) int {
	total := 0
	for _, q := range items {
		total += q.Points
	}
	return total
}

// NormalizeText trims surrounding whitespace and collapses internal runs of
// whitespace to a single space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
