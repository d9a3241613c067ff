package question

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"cbtscore/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	svc      questionService
	validate *validator.Validate
}

type questionService interface {
	CreateQuestion(ctx context.Context, in CreateQuestionInput) (*Question, error)
	UpdateQuestion(ctx context.Context, in UpdateQuestionInput) (*Question, error)
	DeleteQuestion(ctx context.Context, examID, questionID int64) error
	ListQuestions(ctx context.Context, examID int64) ([]Question, error)
}

type createQuestionRequest struct {
	QuestionType string          `json:"question_type" validate:"required,oneof=multiple_choice true_false short_answer matching essay"`
	OrderIndex   int             `json:"order_index" validate:"gte=0"`
	Prompt       string          `json:"prompt" validate:"required"`
	Points       int             `json:"points" validate:"required,gt=0"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
}

type updateQuestionRequest struct {
	OrderIndex *int            `json:"order_index" validate:"omitempty,gt=0"`
	Prompt     string          `json:"prompt" validate:"required"`
	Points     int             `json:"points" validate:"required,gt=0"`
	Payload    json.RawMessage `json:"payload"`
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: apiresp.NewValidator()}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}

	items, err := h.svc.ListQuestions(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}

	var req createQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteValidation(w, r, err)
		return
	}

	item, err := h.svc.CreateQuestion(r.Context(), CreateQuestionInput{
		ExamID:     examID,
		Type:       req.QuestionType,
		OrderIndex: req.OrderIndex,
		Prompt:     req.Prompt,
		Points:     req.Points,
		Payload:    req.Payload,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, item)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	questionID, ok := parsePathID(w, r, "questionID")
	if !ok {
		return
	}

	var req updateQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteValidation(w, r, err)
		return
	}

	item, err := h.svc.UpdateQuestion(r.Context(), UpdateQuestionInput{
		ID:         questionID,
		ExamID:     examID,
		Prompt:     req.Prompt,
		Points:     req.Points,
		Payload:    req.Payload,
		OrderIndex: req.OrderIndex,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, item)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	questionID, ok := parsePathID(w, r, "questionID")
	if !ok {
		return
	}

	if err := h.svc.DeleteQuestion(r.Context(), examID, questionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{"deleted": true, "question_id": questionID})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		code := "malformed-payload"
		if errors.Is(err, ErrUnsupportedType) {
			code = "unknown-question-type"
		}
		apiresp.WriteErrorCode(w, r, http.StatusUnprocessableEntity, code, verr.Error(), verr.Field)
	case errors.Is(err, ErrExamNotFound), errors.Is(err, ErrQuestionNotFound), errors.Is(err, ErrQuestionNotInExam):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "not-found", err.Error(), "")
	case errors.Is(err, ErrQuestionInUse):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "question-in-use", err.Error(), "")
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, key+" must be a positive integer")
		return 0, false
	}
	return id, true
}
