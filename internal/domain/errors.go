package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers at the core boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindState
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state"
	case KindExternal:
		return "external_service"
	default:
		return "internal"
	}
}

// Code identifies a specific failure.
type Code string

const (
	CodeInvalidTemplateSyntax Code = "invalid_template_syntax"
	CodeInvalidInput          Code = "invalid_input"
	CodeInvalidMemoryValue    Code = "invalid_memory_value"
	CodeUnsupportedRuleType   Code = "unsupported_rule_type"
	CodeMalformedAffectOutput Code = "malformed_affect_output"
	CodeTemplateNotFound      Code = "template_not_found"
	CodeVersionNotFound       Code = "version_not_found"
	CodeGuardrailNotFound     Code = "guardrail_not_found"
	CodeSessionNotFound       Code = "session_not_found"
	CodeMemoryNotFound        Code = "memory_not_found"
	CodeMessageNotFound       Code = "message_not_found"
	CodeDuplicateName         Code = "duplicate_name"
	CodeVersionConflict       Code = "version_conflict"
	CodeBusy                  Code = "storage_busy"
	CodeTemplateInactive      Code = "template_inactive"
	CodeNoActiveTemplate      Code = "no_active_template"
	CodeNotShareable          Code = "not_shareable"
	CodeSessionArchived       Code = "session_archived"
	CodeGuardrailRequired     Code = "guardrail_required"
	CodeLLMTimeout            Code = "llm_timeout"
	CodeLLMUnreachable        Code = "llm_unreachable"
	CodeMalformedResponse     Code = "malformed_response"
)

// Error is the error type returned across the core boundary.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

// NewError builds an Error without a cause.
func NewError(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap builds an Error around cause.
func Wrap(kind Kind, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidTemplateSyntax = NewError(KindValidation, CodeInvalidTemplateSyntax, "invalid template syntax")
	ErrInvalidInput          = NewError(KindValidation, CodeInvalidInput, "invalid input")
	ErrUnsupportedRuleType   = NewError(KindValidation, CodeUnsupportedRuleType, "unsupported rule type")
	ErrMalformedAffectOutput = NewError(KindValidation, CodeMalformedAffectOutput, "malformed affect output")
	ErrTemplateNotFound      = NewError(KindNotFound, CodeTemplateNotFound, "template not found")
	ErrVersionNotFound       = NewError(KindNotFound, CodeVersionNotFound, "version not found")
	ErrGuardrailNotFound     = NewError(KindNotFound, CodeGuardrailNotFound, "guardrail config not found")
	ErrSessionNotFound       = NewError(KindNotFound, CodeSessionNotFound, "session not found")
	ErrMemoryNotFound        = NewError(KindNotFound, CodeMemoryNotFound, "memory fact not found")
	ErrMessageNotFound       = NewError(KindNotFound, CodeMessageNotFound, "message not found")
	ErrDuplicateName         = NewError(KindConflict, CodeDuplicateName, "name already exists")
	ErrVersionConflict       = NewError(KindConflict, CodeVersionConflict, "concurrent version allocation")
	ErrBusy                  = NewError(KindConflict, CodeBusy, "storage busy")
	ErrTemplateInactive      = NewError(KindState, CodeTemplateInactive, "template is inactive")
	ErrNoActiveTemplate      = NewError(KindState, CodeNoActiveTemplate, "no active template")
	ErrNotShareable          = NewError(KindState, CodeNotShareable, "template is not shareable")
	ErrSessionArchived       = NewError(KindState, CodeSessionArchived, "session is archived")
	ErrGuardrailRequired     = NewError(KindState, CodeGuardrailRequired, "no guardrails configured")
	ErrLLMTimeout            = NewError(KindExternal, CodeLLMTimeout, "language model timed out")
	ErrLLMUnreachable        = NewError(KindExternal, CodeLLMUnreachable, "language model unreachable")
	ErrMalformedResponse     = NewError(KindExternal, CodeMalformedResponse, "malformed model response")
)

// Errorf returns a copy of sentinel with a formatted message.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Kind:      sentinel.Kind,
		Code:      sentinel.Code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: sentinel.Retryable || sentinel.Kind == KindExternal || sentinel.Kind == KindConflict,
	}
}

// WithCause returns a copy of sentinel wrapping cause.
func WithCause(sentinel *Error, cause error) *Error {
	return &Error{
		Kind:      sentinel.Kind,
		Code:      sentinel.Code,
		Message:   sentinel.Message,
		Retryable: sentinel.Kind == KindExternal || sentinel.Kind == KindConflict,
		Err:       cause,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
