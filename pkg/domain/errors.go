package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteNotAvailable = NewErr("PASTE_NOT_AVAILABLE", "paste expired or view limit reached", http.StatusNotFound)
	ErrPasteUnavailable  = NewErr("PASTE_UNAVAILABLE", "paste not found or no longer available", http.StatusNotFound)
	ErrDuplicateID       = NewErr("DUPLICATE_ID", "paste id already exists", http.StatusInternalServerError)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia  = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrShuttingDown      = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ValidationError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// StorageError hides backend failures from callers; Err keeps the cause for logs.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}
func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// Public collapses the internal miss reasons into one outcome so callers cannot tell
// a handle that never existed from one that expired or ran out of views.
func Public(err error) error {
	if errors.Is(err, ErrPasteNotFound) || errors.Is(err, ErrPasteNotAvailable) {
		return ErrPasteUnavailable
	}
	return err
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrResp{Error: ErrDetail{
			Code: "VALIDATION_ERROR",
			Msg:  ve.Msg,
			Meta: map[string]interface{}{"field": ve.Field},
		}}
	}
	var e *Err
	if errors.As(err, &e) && e.Status < http.StatusInternalServerError {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if errors.As(err, &e) && e == ErrShuttingDown {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var e *Err
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
