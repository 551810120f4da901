package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindInput      Kind = "input"
	KindProcessing Kind = "processing"
	KindConflict   Kind = "conflict"
	KindProvider   Kind = "provider"
	KindNotFound   Kind = "not_found"
	KindAuth       Kind = "auth"
	KindInternal   Kind = "internal"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Kind    Kind                   `json:"kind,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so clones still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Kind: kindForStatus(status)}
}

// NewKind creates an Error with an explicit kind.
func NewKind(kind Kind, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Kind: kind}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Kind: kindForStatus(status), Err: err}
}

// WrapAs attaches context to an existing error, keeping the kind of the sentinel.
func WrapAs(err error, sentinel *Error, message string) *Error {
	wrapped := Clone(sentinel, message)
	wrapped.Err = err
	return wrapped
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Biometric and attendance errors.
var (
	ErrInput            = NewKind(KindInput, "INVALID_INPUT", http.StatusBadRequest, "invalid input")
	ErrUnsupportedMedia = NewKind(KindInput, "UNSUPPORTED_MEDIA", http.StatusUnsupportedMediaType, "unsupported media type")

	ErrProcessing        = NewKind(KindProcessing, "PROCESSING_FAILED", http.StatusUnprocessableEntity, "processing failed")
	ErrInsufficientFaces = NewKind(KindProcessing, "INSUFFICIENT_FACES", http.StatusUnprocessableEntity, "insufficient faces detected")
	ErrNoFace            = NewKind(KindProcessing, "NO_FACE_DETECTED", http.StatusUnprocessableEntity, "no face detected")
	ErrMultipleFaces     = NewKind(KindProcessing, "MULTIPLE_FACES_DETECTED", http.StatusUnprocessableEntity, "multiple faces detected")

	ErrDuplicateFace     = NewKind(KindConflict, "DUPLICATE_FACE_ENROLLMENT", http.StatusConflict, "face already enrolled under another identity")
	ErrAlreadyClockedIn  = NewKind(KindConflict, "ALREADY_CLOCKED_IN", http.StatusConflict, "already clocked in")
	ErrAlreadyClockedOut = NewKind(KindConflict, "ALREADY_CLOCKED_OUT", http.StatusConflict, "already clocked out")
	ErrRequestDecided    = NewKind(KindConflict, "REQUEST_ALREADY_DECIDED", http.StatusConflict, "request already decided")
	ErrPendingRequest    = NewKind(KindConflict, "REQUEST_PENDING", http.StatusConflict, "a pending request already exists")

	ErrNoPriorCheckIn  = NewKind(KindInput, "NO_PRIOR_CHECK_IN", http.StatusBadRequest, "no prior check-in")
	ErrInvalidCheckOut = NewKind(KindInput, "INVALID_CHECK_OUT", http.StatusBadRequest, "check-out must be after check-in")
	ErrWindowClosed    = NewKind(KindInput, "CLOCK_IN_WINDOW_CLOSED", http.StatusBadRequest, "clock-in window is closed")

	ErrNotEnrolled        = NewKind(KindNotFound, "NOT_ENROLLED", http.StatusNotFound, "identity has no active facial enrollment")
	ErrVerificationFailed = NewKind(KindAuth, "VERIFICATION_FAILED", http.StatusUnauthorized, "face verification failed")

	ErrVerificationUnavailable  = NewKind(KindProvider, "VERIFICATION_UNAVAILABLE", http.StatusServiceUnavailable, "verification unavailable")
	ErrNotificationsUnavailable = NewKind(KindInternal, "NOTIFICATIONS_UNAVAILABLE", http.StatusServiceUnavailable, "notifications unavailable")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return FromError(err).Kind
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	if err.Details != nil {
		clone.Details = make(map[string]interface{}, len(err.Details))
		for k, v := range err.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// WithDetails returns a copy of err carrying the provided details.
func WithDetails(err *Error, details map[string]interface{}) *Error {
	clone := Clone(err, "")
	if clone == nil {
		return nil
	}
	if clone.Details == nil {
		clone.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		clone.Details[k] = v
	}
	return clone
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 400 && status < 500:
		return KindInput
	default:
		return KindInternal
	}
}
