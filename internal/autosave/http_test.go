package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cbtscore/internal/exam"
)

func TestHTTPSenderSaveAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/exams/4/answers/12" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		var body struct {
			Answer json.RawMessage `json:"answer"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || string(body.Answer) != `{"selected":"B"}` {
			t.Errorf("unexpected body %s (%v)", body.Answer, err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"data":{"submission_id":1,"question_id":12},"meta":{}}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL+"/", 4, "tok")
	if err := s.SaveAnswer(context.Background(), 12, json.RawMessage(`{"selected":"B"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestHTTPSenderMapsErrorEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		retryable bool
	}{
		{name: "window closed", status: http.StatusConflict, body: `{"ok":false,"error":{"code":"window-closed","message":"exam window has closed"}}`, wantCode: "window-closed"},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"ok":false,"error":{"code":"rate-limited","message":"slow down"}}`, wantCode: "rate-limited", retryable: true},
		{name: "proxy error", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, retryable: true},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		err := NewHTTPSender(srv.URL, 1, "").SaveAnswer(context.Background(), 1, json.RawMessage(`{}`))
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("%s: expected StatusError, got %v", tc.name, err)
		}
		if se.Status != tc.status || se.Code != tc.wantCode {
			t.Fatalf("%s: got %d %q", tc.name, se.Status, se.Code)
		}
		if Retryable(err) != tc.retryable {
			t.Fatalf("%s: retryable = %v", tc.name, Retryable(err))
		}
	}
}

func TestSubmitAnswersDrainsAndSendsChecksum(t *testing.T) {
	var gotBody struct {
		Answers  map[int64]json.RawMessage `json:"answers"`
		Checksum string                    `json:"checksum"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/exams/4/submit":
			if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
				t.Errorf("decode submit: %v", err)
			}
			_, _ = w.Write([]byte(`{"ok":true,"data":{"submission_id":9,"score":15,"status":"completed","total_questions":2,"total_graded":2}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"data":{}}`))
		}
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, 4, "tok")
	q := New(sender, nil, Options{ExamID: 4, Interval: time.Millisecond})
	defer q.Close()
	_ = q.Save(1, json.RawMessage(`{"selected":"B"}`))
	_ = q.Save(2, json.RawMessage(`{"value":true}`))

	res, err := SubmitAnswers(context.Background(), q, sender, 2*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.SubmissionID != 9 || res.Score == nil || *res.Score != 15 || res.Status != "completed" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(gotBody.Answers) != 2 || string(gotBody.Answers[2]) != `{"value":true}` {
		t.Fatalf("unexpected answers %v", gotBody.Answers)
	}
	want, err := exam.AnswersChecksum(gotBody.Answers)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if gotBody.Checksum != want {
		t.Fatalf("checksum = %s, want %s", gotBody.Checksum, want)
	}
}

func TestSubmitAnswersDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{fn: func(int, int64, json.RawMessage) error {
		<-release
		return nil
	}}
	q := New(sender, nil, fastOptions())
	defer q.Close()
	defer close(release)
	_ = q.Save(1, json.RawMessage(`{"text":"x"}`))

	_, err := SubmitAnswers(context.Background(), q, NewHTTPSender("http://127.0.0.1:1", 7, ""), 20*time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
}
