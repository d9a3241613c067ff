package question

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnsupportedType   = errors.New("unsupported question type")
	ErrExamNotFound      = errors.New("exam not found")
	ErrQuestionNotFound  = errors.New("question not found")
	ErrQuestionNotInExam = errors.New("question not in exam")
	ErrInvalidOrderIndex = errors.New("invalid order index")
	ErrQuestionInUse     = errors.New("question has finalized answers")
)

type Type string

const (
	TypeMultipleChoice Type = "multiple_choice"
	TypeTrueFalse      Type = "true_false"
	TypeShortAnswer    Type = "short_answer"
	TypeMatching       Type = "matching"
	TypeEssay          Type = "essay"
)

func ParseType(v string) (Type, error) {
	switch t := Type(strings.TrimSpace(strings.ToLower(v))); t {
	case TypeMultipleChoice, TypeTrueFalse, TypeShortAnswer, TypeMatching, TypeEssay:
		return t, nil
	default:
		return "", &ValidationError{Field: "question_type", Reason: fmt.Sprintf("unsupported value %q", v), Err: ErrUnsupportedType}
	}
}

// AutoGraded reports whether the grader can score the type without a human.
func (t Type) AutoGraded() bool {
	return t != TypeEssay
}

// ValidationError names the offending field of a rejected question or
// response. It unwraps to ErrInvalidInput or ErrMalformedPayload.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	base := ErrInvalidInput
	if e.Err != nil {
		base = e.Err
	}
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", base, e.Reason)
	}
	return fmt.Sprintf("%v: %s %s", base, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidInput
	}
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Err: ErrInvalidInput}
}

func malformed(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Err: ErrMalformedPayload}
}

// Payload is the type-specific part of a question: its stimulus plus, for
// auto-graded types, the answer key.
type Payload interface {
	Type() Type
	Validate() error
	// withoutKey returns a copy carrying only stimulus fields.
	withoutKey() Payload
}

type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type MultipleChoice struct {
	Options         []Option `json:"options"`
	CorrectOptionID string   `json:"correct_option_id,omitempty"`
}

func (MultipleChoice) Type() Type { return TypeMultipleChoice }

func (p MultipleChoice) Validate() error {
	if len(p.Options) < 2 {
		return invalid("payload.options", "must contain at least 2 options")
	}
	seen := map[string]struct{}{}
	for i, opt := range p.Options {
		id := strings.TrimSpace(opt.ID)
		if id == "" {
			return invalid(fmt.Sprintf("payload.options[%d].id", i), "is required")
		}
		if strings.TrimSpace(opt.Text) == "" {
			return invalid(fmt.Sprintf("payload.options[%d].text", i), "is required")
		}
		if _, exists := seen[id]; exists {
			return invalid(fmt.Sprintf("payload.options[%d].id", i), fmt.Sprintf("duplicate option id %q", id))
		}
		seen[id] = struct{}{}
	}
	if _, ok := seen[strings.TrimSpace(p.CorrectOptionID)]; !ok {
		return invalid("payload.correct_option_id", "must reference an existing option")
	}
	return nil
}

func (p MultipleChoice) withoutKey() Payload {
	opts := make([]Option, len(p.Options))
	copy(opts, p.Options)
	return MultipleChoice{Options: opts}
}

func (p MultipleChoice) hasOption(id string) bool {
	for _, opt := range p.Options {
		if opt.ID == id {
			return true
		}
	}
	return false
}

type TrueFalse struct {
	Correct *bool `json:"correct,omitempty"`
}

func (TrueFalse) Type() Type { return TypeTrueFalse }

func (p TrueFalse) Validate() error {
	if p.Correct == nil {
		return invalid("payload.correct", "is required")
	}
	return nil
}

func (TrueFalse) withoutKey() Payload { return TrueFalse{} }

type ShortAnswer struct {
	AcceptedAnswers []string `json:"accepted_answers,omitempty"`
	CaseSensitive   bool     `json:"case_sensitive"`
}

func (ShortAnswer) Type() Type { return TypeShortAnswer }

func (p ShortAnswer) Validate() error {
	if len(p.AcceptedAnswers) == 0 {
		return invalid("payload.accepted_answers", "must not be empty")
	}
	for i, a := range p.AcceptedAnswers {
		if NormalizeText(a) == "" {
			return invalid(fmt.Sprintf("payload.accepted_answers[%d]", i), "must not be blank")
		}
	}
	return nil
}

func (p ShortAnswer) withoutKey() Payload {
	return ShortAnswer{CaseSensitive: p.CaseSensitive}
}

type MatchItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Matching struct {
	Left  []MatchItem       `json:"left"`
	Right []MatchItem       `json:"right"`
	Pairs map[string]string `json:"pairs,omitempty"`
}

func (Matching) Type() Type { return TypeMatching }

func (p Matching) Validate() error {
	if len(p.Left) == 0 {
		return invalid("payload.left", "must not be empty")
	}
	if len(p.Right) == 0 {
		return invalid("payload.right", "must not be empty")
	}
	left, err := itemSet("payload.left", p.Left)
	if err != nil {
		return err
	}
	right, err := itemSet("payload.right", p.Right)
	if err != nil {
		return err
	}
	if len(p.Pairs) != len(left) {
		return invalid("payload.pairs", "must map every left item exactly once")
	}
	for l, r := range p.Pairs {
		if _, ok := left[l]; !ok {
			return invalid("payload.pairs", fmt.Sprintf("unknown left id %q", l))
		}
		if _, ok := right[r]; !ok {
			return invalid("payload.pairs", fmt.Sprintf("unknown right id %q", r))
		}
	}
	return nil
}

func (p Matching) withoutKey() Payload {
	left := make([]MatchItem, len(p.Left))
	copy(left, p.Left)
	right := make([]MatchItem, len(p.Right))
	copy(right, p.Right)
	return Matching{Left: left, Right: right}
}

func itemSet(field string, items []MatchItem) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(items))
	for i, it := range items {
		id := strings.TrimSpace(it.ID)
		if id == "" {
			return nil, invalid(fmt.Sprintf("%s[%d].id", field, i), "is required")
		}
		if strings.TrimSpace(it.Text) == "" {
			return nil, invalid(fmt.Sprintf("%s[%d].text", field, i), "is required")
		}
		if _, exists := out[id]; exists {
			return nil, invalid(fmt.Sprintf("%s[%d].id", field, i), fmt.Sprintf("duplicate id %q", id))
		}
		out[id] = struct{}{}
	}
	return out, nil
}

type Essay struct {
	MinWords        int    `json:"min_words,omitempty"`
	MaxWords        int    `json:"max_words,omitempty"`
	ReferenceAnswer string `json:"reference_answer,omitempty"`
}

func (Essay) Type() Type { return TypeEssay }

func (p Essay) Validate() error {
	if p.MinWords < 0 {
		return invalid("payload.min_words", "must not be negative")
	}
	if p.MaxWords < 0 {
		return invalid("payload.max_words", "must not be negative")
	}
	if p.MaxWords > 0 && p.MinWords > p.MaxWords {
		return invalid("payload.max_words", "must be greater than or equal to min_words")
	}
	return nil
}

func (p Essay) withoutKey() Payload {
	return Essay{MinWords: p.MinWords, MaxWords: p.MaxWords}
}

// DecodePayload parses a stored or submitted payload for the given type.
// Unknown fields are rejected so that a payload written for one type cannot
// silently load as another.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, invalid("payload", "is required")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeMultipleChoice:
		var v MultipleChoice
		err = strictUnmarshal(raw, &v)
		for i := range v.Options {
			v.Options[i].ID = strings.TrimSpace(v.Options[i].ID)
		}
		v.CorrectOptionID = strings.TrimSpace(v.CorrectOptionID)
		p = v
	case TypeTrueFalse:
		var v TrueFalse
		err = strictUnmarshal(raw, &v)
		p = v
	case TypeShortAnswer:
		var v ShortAnswer
		err = strictUnmarshal(raw, &v)
		p = v
	case TypeMatching:
		var v Matching
		err = strictUnmarshal(raw, &v)
		for i := range v.Left {
			v.Left[i].ID = strings.TrimSpace(v.Left[i].ID)
		}
		for i := range v.Right {
			v.Right[i].ID = strings.TrimSpace(v.Right[i].ID)
		}
		p = v
	case TypeEssay:
		var v Essay
		err = strictUnmarshal(raw, &v)
		p = v
	default:
		return nil, &ValidationError{Field: "question_type", Reason: fmt.Sprintf("unsupported value %q", t), Err: ErrUnsupportedType}
	}
	if err != nil {
		return nil, invalid("payload", err.Error())
	}
	return p, nil
}

func strictUnmarshal(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
