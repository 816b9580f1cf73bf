package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/menta2k/bodymeasure/pkg/types"
)

// Machine readable failure codes reported alongside the message
const (
	CodeImageRequired           = "image_required"
	CodeInvalidImageURL         = "invalid_image_url"
	CodeImageUnreadable         = "image_unreadable"
	CodeUnsupportedImageFormat  = "unsupported_image_format"
	CodeNoReferenceObject       = "no_reference_object"
	CodeReferenceOutsideImage   = "reference_outside_image"
	CodeDegenerateReferenceSize = "degenerate_reference_size"
	CodeIncompleteSkeleton      = "incomplete_skeleton"
	CodeInvalidScaleFactor      = "invalid_scale_factor"
	CodeRequestTimeout          = "request_timeout"
	CodeBackendFailure          = "backend_failure"
	CodeNotFound                = "not_found"
	CodeRequestError            = "request_error"
	CodeInternal                = "internal"
)

// Error is an error with the HTTP status and failure code it is reported with
type Error struct {
	Code int
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	ok := errors.As(target, &t)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Err.Error() == t.Err.Error()
}

func NewError(code int, err string) error {
	return &Error{Code: code, Kind: kindForStatus(code), Err: errors.New(err)}
}

func newKindError(code int, kind string, err error) *Error {
	return &Error{Code: code, Kind: kind, Err: err}
}

var (
	ErrInternalServerError = newKindError(http.StatusInternalServerError, CodeInternal, errors.New("internal server error"))
	ErrImageRequired       = newKindError(http.StatusBadRequest, CodeImageRequired, errors.New("an image file or image_url is required"))
	ErrInvalidImageURL     = newKindError(http.StatusBadRequest, CodeInvalidImageURL, errors.New("image_url must be an http or https URL"))
	ErrRequestTimeout      = newKindError(http.StatusRequestTimeout, CodeRequestTimeout, errors.New("measurement timed out"))
	ErrBackendFailure      = newKindError(http.StatusBadGateway, CodeBackendFailure, errors.New("detector or estimator failure"))
)

// kinds maps each failure kind of a measurement to its status and code
var kinds = []*Error{
	newKindError(http.StatusBadRequest, CodeImageUnreadable, types.ErrImageUnreadable),
	newKindError(http.StatusBadRequest, CodeUnsupportedImageFormat, types.ErrUnsupportedImageFormat),
	newKindError(http.StatusUnprocessableEntity, CodeNoReferenceObject, types.ErrNoReferenceObjectDetected),
	newKindError(http.StatusUnprocessableEntity, CodeReferenceOutsideImage, types.ErrReferenceOutsideImage),
	newKindError(http.StatusUnprocessableEntity, CodeDegenerateReferenceSize, types.ErrDegenerateReferenceSize),
	newKindError(http.StatusUnprocessableEntity, CodeIncompleteSkeleton, types.ErrIncompleteSkeleton),
	newKindError(http.StatusUnprocessableEntity, CodeInvalidScaleFactor, types.ErrInvalidScaleFactor),
}

// kindForStatus is the failure code of errors that carry only an HTTP status
func kindForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusRequestTimeout:
		return CodeRequestTimeout
	case status == http.StatusBadGateway:
		return CodeBackendFailure
	case status >= http.StatusInternalServerError:
		return CodeInternal
	default:
		return CodeRequestError
	}
}

// classify maps an error to the error reported to the client
func classify(err error) *Error {
	var respErr *Error
	if errors.As(err, &respErr) {
		return respErr
	}

	for _, kind := range kinds {
		if errors.Is(err, kind.Err) {
			return kind
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrRequestTimeout
	case errors.Is(err, types.ErrCollaborator):
		return ErrBackendFailure
	default:
		return ErrInternalServerError
	}
}
