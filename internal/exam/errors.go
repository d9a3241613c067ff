package exam

import (
	"errors"
	"fmt"
	"strings"

	"cbtscore/internal/question"
)

var (
	ErrNotStarted          = errors.New("exam has not started yet")
	ErrWindowClosed        = errors.New("exam window has closed")
	ErrAlreadyFinalized    = errors.New("submission already finalized")
	ErrDuplicateSubmission = errors.New("submission was finalized concurrently")
	ErrInvalidGradeValue   = errors.New("invalid grade value")
	ErrUnknownQuestion     = errors.New("question does not belong to exam")
	ErrMalformedPayload    = question.ErrMalformedPayload
	ErrRateLimited         = errors.New("answer saved too frequently")
	ErrNotFound            = errors.New("not found")
	ErrChecksumMismatch    = errors.New("answers checksum mismatch")
	ErrNotPublished        = errors.New("exam is not published")
	ErrSubmissionNotFinal  = errors.New("submission is not finalized")
	ErrInvalidInput        = errors.New("invalid input")

	ErrExamNotFound       = fmt.Errorf("exam %w", ErrNotFound)
	ErrSubmissionNotFound = fmt.Errorf("submission %w", ErrNotFound)
	ErrAnswerNotFound     = fmt.Errorf("answer %w", ErrNotFound)
	ErrDuplicateExamCode  = fmt.Errorf("%w: exam code already exists", ErrInvalidInput)
)

// GuardError reports a state machine guard failure with the identifiers and
// submission state the caller needs to decide what to do next.
type GuardError struct {
	Op           string
	ExamID       int64
	StudentID    int64
	SubmissionID int64
	State        string
	Err          error
}

func (e *GuardError) Error() string {
	parts := make([]string, 0, 4)
	if e.ExamID > 0 {
		parts = append(parts, fmt.Sprintf("exam=%d", e.ExamID))
	}
	if e.StudentID > 0 {
		parts = append(parts, fmt.Sprintf("student=%d", e.StudentID))
	}
	if e.SubmissionID > 0 {
		parts = append(parts, fmt.Sprintf("submission=%d", e.SubmissionID))
	}
	if e.State != "" {
		parts = append(parts, "state="+e.State)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, strings.Join(parts, " "), e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// Code maps an engine error to its stable machine-readable code. Unknown
// errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotStarted):
		return "not-started"
	case errors.Is(err, ErrWindowClosed):
		return "window-closed"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already-finalized"
	case errors.Is(err, ErrDuplicateSubmission):
		return "duplicate-submission"
	case errors.Is(err, ErrInvalidGradeValue):
		return "invalid-grade-value"
	case errors.Is(err, ErrUnknownQuestion), errors.Is(err, question.ErrQuestionNotInExam):
		return "unknown-question"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed-payload"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum-mismatch"
	case errors.Is(err, ErrNotPublished):
		return "not-published"
	case errors.Is(err, ErrSubmissionNotFinal):
		return "submission-not-final"
	case errors.Is(err, ErrNotFound), errors.Is(err, question.ErrQuestionNotFound), errors.Is(err, question.ErrExamNotFound):
		return "not-found"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, question.ErrInvalidInput):
		return "invalid-input"
	default:
		return "internal"
	}
}

func guard(op string, examID, studentID, submissionID int64, state string, err error) error {
	return &GuardError{Op: op, ExamID: examID, StudentID: studentID, SubmissionID: submissionID, State: state, Err: err}
}
