package transcript

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of request and job failures. Kinds are
// stable wire values; callers branch on the kind, never on message text.
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "invalid_input"
	KindRateLimited         ErrorKind = "rate_limited"
	KindVideoUnavailable    ErrorKind = "video_unavailable"
	KindSubtitlesDisabled   ErrorKind = "subtitles_disabled"
	KindLanguageUnavailable ErrorKind = "language_unavailable"
	KindUpstreamBlocked     ErrorKind = "upstream_blocked"
	KindUpstreamTransient   ErrorKind = "upstream_transient"
	KindDependencyDown      ErrorKind = "dependency_down"
	KindServiceUnavailable  ErrorKind = "service_unavailable"
	KindInternal            ErrorKind = "internal"
)

// Retryable reports whether the extraction chain may retry after this kind.
// Terminal kinds short-circuit the engine/proxy ladder.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamTransient, KindUpstreamBlocked, KindDependencyDown:
		return true
	default:
		return false
	}
}

// Error carries a stable kind, a human hint, and the wrapped cause. The
// correlation id travels on the context, not the error value.
type Error struct {
	Kind ErrorKind
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Hint, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Hint)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error wrapping cause (cause may be nil).
func NewError(kind ErrorKind, hint string, cause error) *Error {
	return &Error{Kind: kind, Hint: hint, Err: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to KindInternal for
// errors that did not originate in the pipeline.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// HintOf extracts the human hint from err. Out-of-taxonomy errors fall back
// to their message.
func HintOf(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Hint
	}
	return err.Error()
}
