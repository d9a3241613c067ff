package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cbtscore/internal/app/apiresp"
	"cbtscore/internal/auth"
	"cbtscore/internal/question"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc              examService
	validate         *validator.Validate
	revealSaveGrades bool
}

type examService interface {
	CreateExam(ctx context.Context, in ExamInput) (*Exam, error)
	UpdateExam(ctx context.Context, examID int64, in ExamInput) (*Exam, error)
	PublishExam(ctx context.Context, examID int64) (*Exam, error)
	GetExam(ctx context.Context, examID int64) (*Exam, error)
	ListExams(ctx context.Context, status string) ([]Exam, error)
	GetQuestionsForStudent(ctx context.Context, examID, studentID int64) ([]question.Question, error)
	StartSubmission(ctx context.Context, examID, studentID int64) (*Submission, error)
	GetDraft(ctx context.Context, examID, studentID int64) (*DraftView, error)
	GetResult(ctx context.Context, examID, studentID int64) (*Submission, error)
	SaveAnswer(ctx context.Context, in SaveAnswerInput) (*SaveResult, error)
	SubmitExam(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	ReviewSubmission(ctx context.Context, submissionID int64) (*Review, error)
	ListSubmissions(ctx context.Context, examID int64) ([]Submission, error)
	GradeEssayAnswer(ctx context.Context, in GradeEssayInput) (*ScoreResult, error)
	RecalculateExam(ctx context.Context, examID int64) (*RecalculateResult, error)
	ExportEssayGradeSheet(ctx context.Context, examID int64) ([]byte, error)
	ImportEssayGradeSheet(ctx context.Context, examID, gradedBy int64, r io.Reader) (*GradeSheetReport, error)
}

type examRequest struct {
	Code    string     `json:"code" validate:"required,max=64"`
	Title   string     `json:"title" validate:"required,max=200"`
	StartAt *time.Time `json:"start_at"`
	EndAt   *time.Time `json:"end_at"`
}

type saveAnswerRequest struct {
	Answer json.RawMessage `json:"answer" validate:"required"`
}

type submitRequest struct {
	Answers  map[int64]json.RawMessage `json:"answers"`
	Checksum string                    `json:"checksum" validate:"omitempty,hexadecimal,len=64"`
}

type gradeEssayRequest struct {
	Points   *float64 `json:"points" validate:"required,gte=0"`
	Feedback *string  `json:"feedback" validate:"omitempty,max=4000"`
}

// NewHandler wires the exam HTTP surface. With revealSaveGrades unset,
// students only see the save acknowledgement and never the per-answer grade.
func NewHandler(svc examService, revealSaveGrades bool) *Handler {
	return &Handler{svc: svc, validate: apiresp.NewValidator(), revealSaveGrades: revealSaveGrades}
}

func (h *Handler) ListExams(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListExams(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) GetExam(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	ex, err := h.svc.GetExam(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) CreateExam(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	req, ok := h.decodeExamRequest(w, r)
	if !ok {
		return
	}

	ex, err := h.svc.CreateExam(r.Context(), ExamInput{
		Code:      req.Code,
		Title:     req.Title,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		CreatedBy: user.ID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, ex)
}

func (h *Handler) UpdateExam(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	req, ok := h.decodeExamRequest(w, r)
	if !ok {
		return
	}

	ex, err := h.svc.UpdateExam(r.Context(), examID, ExamInput{
		Code:    req.Code,
		Title:   req.Title,
		StartAt: req.StartAt,
		EndAt:   req.EndAt,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) PublishExam(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	ex, err := h.svc.PublishExam(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, ex)
}

func (h *Handler) Paper(w http.ResponseWriter, r *http.Request) {
	user, examID, ok := studentRequest(w, r)
	if !ok {
		return
	}
	items, err := h.svc.GetQuestionsForStudent(r.Context(), examID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, examID, ok := studentRequest(w, r)
	if !ok {
		return
	}
	sub, err := h.svc.StartSubmission(r.Context(), examID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, sub)
}

func (h *Handler) Draft(w http.ResponseWriter, r *http.Request) {
	user, examID, ok := studentRequest(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetDraft(r.Context(), examID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	user, examID, ok := studentRequest(w, r)
	if !ok {
		return
	}
	sub, err := h.svc.GetResult(r.Context(), examID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, sub)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	user, examID, ok := studentRequest(w, r)
	if !ok {
		return
	}
	questionID, ok := parsePathID(w, r, "questionID")
	if !ok {
		return
	}

	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteValidation(w, r, err)
		return
	}

	res, err := h.svc.SaveAnswer(r.Context(), SaveAnswerInput{
		ExamID:     examID,
		StudentID:  user.ID,
		QuestionID: questionID,
		Payload:    req.Answer,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !h.revealSaveGrades {
		res.IsCorrect = nil
		res.GradeValue = nil
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user, examID, ok := studentRequest(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteValidation(w, r, err)
		return
	}

	res, err := h.svc.SubmitExam(r.Context(), SubmitInput{
		ExamID:    examID,
		StudentID: user.ID,
		Answers:   req.Answers,
		Checksum:  req.Checksum,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	items, err := h.svc.ListSubmissions(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := parsePathID(w, r, "submissionID")
	if !ok {
		return
	}
	review, err := h.svc.ReviewSubmission(r.Context(), submissionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, review)
}

func (h *Handler) GradeEssay(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	submissionID, ok := parsePathID(w, r, "submissionID")
	if !ok {
		return
	}
	questionID, ok := parsePathID(w, r, "questionID")
	if !ok {
		return
	}

	var req gradeEssayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteValidation(w, r, err)
		return
	}

	res, err := h.svc.GradeEssayAnswer(r.Context(), GradeEssayInput{
		SubmissionID: submissionID,
		QuestionID:   questionID,
		Points:       *req.Points,
		Feedback:     req.Feedback,
		GradedBy:     user.ID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	res, err := h.svc.RecalculateExam(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ExportGradeSheet(w http.ResponseWriter, r *http.Request) {
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}
	data, err := h.svc.ExportEssayGradeSheet(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="essay-grades-exam-%d.xlsx"`, examID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) ImportGradeSheet(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(16 << 20); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	report, err := h.svc.ImportEssayGradeSheet(r.Context(), examID, user.ID, file)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]any{
		"filename": hdr.Filename,
		"report":   report,
	})
}

func (h *Handler) decodeExamRequest(w http.ResponseWriter, r *http.Request) (examRequest, bool) {
	var req examRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteValidation(w, r, err)
		return req, false
	}
	return req, true
}

// studentRequest resolves the calling student and the exam in the path.
func studentRequest(w http.ResponseWriter, r *http.Request) (*auth.User, int64, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return nil, 0, false
	}
	if user.Role != auth.RoleSiswa {
		apiresp.WriteError(w, r, http.StatusForbidden, "only students take exams")
		return nil, 0, false
	}
	examID, ok := parsePathID(w, r, "examID")
	if !ok {
		return nil, 0, false
	}
	return user, examID, true
}

// HTTPStatus maps an engine error to its response status.
func HTTPStatus(err error) int {
	var verr *question.ValidationError
	switch {
	case errors.Is(err, ErrDuplicateExamCode):
		return http.StatusConflict
	case errors.As(err, &verr), errors.Is(err, ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotStarted):
		return http.StatusForbidden
	case errors.Is(err, ErrWindowClosed),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrDuplicateSubmission),
		errors.Is(err, ErrNotPublished),
		errors.Is(err, ErrSubmissionNotFinal):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownQuestion):
		return http.StatusNotFound
	}
	switch Code(err) {
	case "not-found":
		return http.StatusNotFound
	case "invalid-input":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		apiresp.WriteError(w, r, status, "internal error")
		return
	}

	code := Code(err)
	field := ""
	var verr *question.ValidationError
	if errors.As(err, &verr) {
		field = verr.Field
	}
	if errors.Is(err, ErrDuplicateExamCode) {
		code = "conflict"
		field = "code"
	}
	apiresp.WriteErrorCode(w, r, status, code, err.Error(), field)
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
