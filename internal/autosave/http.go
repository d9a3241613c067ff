package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cbtscore/internal/exam"
)

var ErrDrainTimeout = errors.New("autosave queue did not drain before submit")

// StatusError is a non-2xx answer from the engine.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine responded %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("engine responded %d", e.Status)
}

// Retryable reports whether a failed save may succeed if sent again.
// Transport failures, 5xx and 429 are retryable; window, finality and
// validation answers are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

// HTTPSender talks to the engine's JSON API on behalf of one student and exam.
type HTTPSender struct {
	BaseURL string
	ExamID  int64
	Token   string
	Client  *http.Client
}

func NewHTTPSender(baseURL string, examID int64, token string) *HTTPSender {
	return &HTTPSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		ExamID:  examID,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) SaveAnswer(ctx context.Context, questionID int64, payload json.RawMessage) error {
	body := map[string]json.RawMessage{"answer": payload}
	path := fmt.Sprintf("/api/v1/exams/%d/answers/%d", s.ExamID, questionID)
	return s.do(ctx, http.MethodPut, path, body, nil)
}

// Submit finalizes the attempt with the given answers and their checksum.
func (s *HTTPSender) Submit(ctx context.Context, answers map[int64]json.RawMessage) (*exam.SubmitResult, error) {
	sum, err := exam.AnswersChecksum(answers)
	if err != nil {
		return nil, err
	}
	body := struct {
		Answers  map[int64]json.RawMessage `json:"answers"`
		Checksum string                    `json:"checksum"`
	}{Answers: answers, Checksum: sum}

	var out exam.SubmitResult
	if err := s.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/exams/%d/submit", s.ExamID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAnswers waits for q to drain, then submits every value the queue has
// seen. Answers that failed to autosave travel in the submit body.
func SubmitAnswers(ctx context.Context, q *Queue, s *HTTPSender, drainTimeout time.Duration) (*exam.SubmitResult, error) {
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := q.Drain(drainCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrDrainTimeout
		}
		return nil, err
	}
	return s.Submit(ctx, q.Snapshot())
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *HTTPSender) do(ctx context.Context, method, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	var env envelope
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	_ = json.Unmarshal(data, &env)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		se := &StatusError{Status: res.StatusCode}
		if env.Error != nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return se
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
