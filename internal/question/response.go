package question

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is a decoded student answer. Only the fields of the question's
// type are populated; Answered is false for blank or missing responses.
type Response struct {
	Answered bool
	Selected string
	Value    *bool
	Text     string
	Pairs    map[string]string
}

// DecodeResponse parses a raw answer payload against q. An empty body, null,
// {} or an empty value is a valid unanswered response. Anything of the wrong
// shape, or naming an option or item the question does not have, is
// ErrMalformedPayload.
func DecodeResponse(q Question, raw []byte) (Response, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return Response{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Response{}, malformed("answer", "must be a json object")
	}
	if len(obj) == 0 {
		return Response{}, nil
	}

	switch p := q.Payload.(type) {
	case MultipleChoice:
		return decodeSelection(p, obj)
	case TrueFalse:
		return decodeBoolean(obj)
	case ShortAnswer, Essay:
		return decodeText(obj)
	case Matching:
		return decodePairs(p, obj)
	default:
		return Response{}, malformed("answer", fmt.Sprintf("unsupported question type %q", q.Type))
	}
}

func decodeSelection(p MultipleChoice, obj map[string]any) (Response, error) {
	v, ok := obj["selected"]
	if !ok {
		return Response{}, malformed("answer.selected", "is required")
	}
	var selected string
	switch t := v.(type) {
	case nil:
		return Response{}, nil
	case string:
		selected = strings.TrimSpace(t)
	case []any:
		if len(t) == 0 {
			return Response{}, nil
		}
		if len(t) > 1 {
			return Response{}, malformed("answer.selected", "accepts a single option")
		}
		s, ok := t[0].(string)
		if !ok {
			return Response{}, malformed("answer.selected", "must be a string")
		}
		selected = strings.TrimSpace(s)
	default:
		return Response{}, malformed("answer.selected", "must be a string")
	}
	if selected == "" {
		return Response{}, nil
	}
	if !p.hasOption(selected) {
		return Response{}, malformed("answer.selected", fmt.Sprintf("unknown option %q", selected))
	}
	return Response{Answered: true, Selected: selected}, nil
}

func decodeBoolean(obj map[string]any) (Response, error) {
	v, ok := obj["value"]
	if !ok {
		return Response{}, malformed("answer.value", "is required")
	}
	switch t := v.(type) {
	case nil:
		return Response{}, nil
	case bool:
		return Response{Answered: true, Value: &t}, nil
	default:
		return Response{}, malformed("answer.value", "must be a boolean")
	}
}

func decodeText(obj map[string]any) (Response, error) {
	v, ok := obj["text"]
	if !ok {
		return Response{}, malformed("answer.text", "is required")
	}
	switch t := v.(type) {
	case nil:
		return Response{}, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return Response{}, nil
		}
		return Response{Answered: true, Text: t}, nil
	default:
		return Response{}, malformed("answer.text", "must be a string")
	}
}

func decodePairs(p Matching, obj map[string]any) (Response, error) {
	v, ok := obj["pairs"]
	if !ok {
		return Response{}, malformed("answer.pairs", "is required")
	}
	if v == nil {
		return Response{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Response{}, malformed("answer.pairs", "must be an object")
	}

	left := make(map[string]struct{}, len(p.Left))
	for _, it := range p.Left {
		left[it.ID] = struct{}{}
	}
	right := make(map[string]struct{}, len(p.Right))
	for _, it := range p.Right {
		right[it.ID] = struct{}{}
	}

	pairs := make(map[string]string, len(m))
	for l, rv := range m {
		l = strings.TrimSpace(l)
		if _, ok := left[l]; !ok {
			return Response{}, malformed("answer.pairs", fmt.Sprintf("unknown left id %q", l))
		}
		if rv == nil {
			continue
		}
		r, ok := rv.(string)
		if !ok {
			return Response{}, malformed("answer.pairs."+l, "must be a string")
		}
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := right[r]; !ok {
			return Response{}, malformed("answer.pairs."+l, fmt.Sprintf("unknown right id %q", r))
		}
		pairs[l] = r
	}
	if len(pairs) == 0 {
		return Response{}, nil
	}
	return Response{Answered: true, Pairs: pairs}, nil
}
