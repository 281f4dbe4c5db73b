package apperr

import (
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy used across the pipeline. Kinds are
// wire-safe identifiers; messages carry the human-readable detail.
type Kind string

const (
	KindInvalidPrompt     Kind = "invalid_prompt"
	KindLLMUnavailable    Kind = "llm_unavailable"
	KindLLMTimeout        Kind = "llm_timeout"
	KindLLMMalformed      Kind = "llm_malformed"
	KindLLMRefused        Kind = "llm_refused"
	KindLLMRateLimited    Kind = "llm_rate_limited"
	KindLLMExhausted      Kind = "llm_exhausted"
	KindUnknownVocabulary Kind = "unknown_vocabulary"
	KindBannedSymbol      Kind = "banned_symbol"
	KindSchema            Kind = "schema"
	KindShape             Kind = "shape"
	KindTooLarge          Kind = "too_large"
	KindRenderTimeout     Kind = "render_timeout"
	KindRenderFailed      Kind = "render_failed"
	KindNoOutputArtifact  Kind = "no_output_artifact"
	KindUploadFailed      Kind = "upload_failed"
	KindDBFailed          Kind = "db_failed"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindCancelled         Kind = "cancelled"
	KindExhausted         Kind = "exhausted"
	KindBusy              Kind = "busy"
	KindAuth              Kind = "auth"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindQuota             Kind = "quota"
	KindInternal          Kind = "internal"
)

// Error pairs a taxonomy kind with detail. The wrapped cause, if any, is
// internal diagnosis material and never surfaces to users verbatim.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from err, or KindInternal when err was
// never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the classified message of err, suitable for user-facing
// surfaces after coarsening. Unclassified errors collapse to a fixed string
// so raw internals never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
