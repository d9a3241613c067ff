package apiresp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

type Envelope struct {
	OK    bool          `json:"ok"`
	Data  interface{}   `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
	Meta  Meta          `json:"meta"`
}

func WriteOK(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	write(w, r, status, Envelope{OK: true, Data: data})
}

// WriteError writes a failure envelope with a code derived from status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	WriteErrorCode(w, r, status, CodeFromStatus(status), msg, "")
}

// WriteErrorCode writes a failure envelope with an explicit machine code and,
// for validation failures, the offending field.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg, field string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	if code == "" {
		code = CodeFromStatus(status)
	}
	write(w, r, status, Envelope{
		OK: false,
		Error: &ErrorPayload{
			Code:    code,
			Message: msg,
			Field:   field,
		},
	})
}

func write(w http.ResponseWriter, r *http.Request, status int, res Envelope) {
	res.Meta = Meta{RequestID: middleware.GetReqID(r.Context())}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func CodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid-request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable-entity"
	case http.StatusTooManyRequests:
		return "rate-limited"
	case http.StatusInternalServerError:
		return "internal-error"
	default:
		if status >= 200 && status < 300 {
			return ""
		}
		return "error"
	}
}

// WriteValidation reports the first failed struct rule of a request DTO as
// 422 with the json field name.
func WriteValidation(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		WriteErrorCode(w, r, http.StatusUnprocessableEntity, "malformed-payload",
			fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()), fe.Field())
		return
	}
	WriteErrorCode(w, r, http.StatusBadRequest, "invalid-request", "invalid request body", "")
}

// NewValidator returns a validator that reports json tag names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
