package gcp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// StatusReason classifies a failed API call.
type StatusReason string

const (
	StatusReasonUnknown            StatusReason = ""
	StatusReasonBadRequest         StatusReason = "BadRequest"
	StatusReasonUnauthorized       StatusReason = "Unauthorized"
	StatusReasonForbidden          StatusReason = "Forbidden"
	StatusReasonNotFound           StatusReason = "NotFound"
	StatusReasonAlreadyExists      StatusReason = "AlreadyExists"
	StatusReasonTooManyRequests    StatusReason = "TooManyRequests"
	StatusReasonInternalError      StatusReason = "InternalError"
	StatusReasonServiceUnavailable StatusReason = "ServiceUnavailable"
)

// Error is a non-2xx answer from a Google API.
type Error struct {
	Code      int
	ErrStatus StatusReason
	Method    string
	URL       string
	// Message is the error.message field of the response body, when present.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d %s] %s %s: %s", e.Code, e.ErrStatus, e.Method, e.URL, e.Message)
}

func (e *Error) Status() StatusReason {
	return e.ErrStatus
}

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	switch e.ErrStatus {
	case StatusReasonTooManyRequests, StatusReasonInternalError, StatusReasonServiceUnavailable:
		return true
	}
	return false
}

func ReasonForError(err error) StatusReason {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrStatus
	}
	return StatusReasonUnknown
}

func IsNotFound(err error) bool {
	return ReasonForError(err) == StatusReasonNotFound
}

func IsUnauthorized(err error) bool {
	return ReasonForError(err) == StatusReasonUnauthorized
}

func IsAlreadyExists(err error) bool {
	return ReasonForError(err) == StatusReasonAlreadyExists
}

func newErrorFromResponse(res *resty.Response) *Error {
	code := res.StatusCode()
	reason := StatusReasonUnknown
	switch code {
	case http.StatusBadRequest:
		reason = StatusReasonBadRequest
	case http.StatusUnauthorized:
		reason = StatusReasonUnauthorized
	case http.StatusForbidden:
		reason = StatusReasonForbidden
	case http.StatusNotFound:
		reason = StatusReasonNotFound
	case http.StatusConflict:
		reason = StatusReasonAlreadyExists
	case http.StatusTooManyRequests:
		reason = StatusReasonTooManyRequests
	case http.StatusServiceUnavailable:
		reason = StatusReasonServiceUnavailable
	default:
		if code >= 500 {
			reason = StatusReasonInternalError
		}
	}

	msg := gjson.GetBytes(res.Body(), "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("the server responded with the status code %d but did not return more information", code)
	}

	e := &Error{Code: code, ErrStatus: reason, Message: msg}
	if res.Request != nil {
		e.Method = res.Request.Method
		e.URL = res.Request.URL
	}
	return e
}
