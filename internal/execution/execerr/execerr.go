// Package execerr carries the single typed error the execution control
// plane raises at its orchestration boundary. Callers map Code/Message
// onto the carried HTTP status 1:1.
package execerr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeLintError           = "LINT_ERROR"
	CodePlanInvalid         = "PLAN_INVALID"
	CodeCreateFailed        = "CREATE_FAILED"
	CodeUpdateFailed        = "UPDATE_FAILED"
	CodeArtifactWriteFailed = "ARTIFACT_WRITE_FAILED"
	CodeExternalError       = "EXTERNAL_ERROR"
	CodeBadSidecarResponse  = "BAD_SIDECAR_RESPONSE"
)

type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// As returns the typed error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func newError(code string, status int, cause error, format string, args ...any) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
		cause:      cause,
	}
}

func BadRequest(format string, args ...any) *Error {
	return newError(CodeBadRequest, http.StatusBadRequest, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, http.StatusNotFound, nil, format, args...)
}

func PlanInvalid(format string, args ...any) *Error {
	return newError(CodePlanInvalid, http.StatusUnprocessableEntity, nil, format, args...)
}

func ValidationError(cause error, format string, args ...any) *Error {
	return newError(CodeValidationError, http.StatusUnprocessableEntity, cause, format, args...)
}

// LintError reports compiler findings on a plan that passed structural
// validation.
func LintError(format string, args ...any) *Error {
	return newError(CodeLintError, http.StatusUnprocessableEntity, nil, format, args...)
}

func CreateFailed(cause error, format string, args ...any) *Error {
	return newError(CodeCreateFailed, http.StatusInternalServerError, cause, format, args...)
}

func UpdateFailed(cause error, format string, args ...any) *Error {
	return newError(CodeUpdateFailed, http.StatusInternalServerError, cause, format, args...)
}

func ArtifactWriteFailed(cause error, format string, args ...any) *Error {
	return newError(CodeArtifactWriteFailed, http.StatusInternalServerError, cause, format, args...)
}

func External(cause error, format string, args ...any) *Error {
	return newError(CodeExternalError, http.StatusBadGateway, cause, format, args...)
}

func BadSidecarResponse(cause error, format string, args ...any) *Error {
	return newError(CodeBadSidecarResponse, http.StatusBadGateway, cause, format, args...)
}
