package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an orchestrator error independent of its Go type.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindBusinessRule       ErrorKind = "business_rule"
	KindWorkflow           ErrorKind = "workflow"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindExternalService    ErrorKind = "external_service"
	KindDegradedService    ErrorKind = "degraded_service"
	KindDatabase           ErrorKind = "database"
	KindAITimeout          ErrorKind = "ai_timeout"
	KindAIRateLimit        ErrorKind = "ai_rate_limit"
	KindAIAuthentication   ErrorKind = "ai_authentication"
)

// Stable error codes surfaced to callers.
const (
	CodeValidation         = "ORC_100_VALIDATION"
	CodeBusinessRule       = "ORC_110_BUSINESS_RULE"
	CodeWorkflow           = "ORC_120_WORKFLOW"
	CodeServiceUnavailable = "ORC_200_UNAVAILABLE"
	CodeExternalService    = "ORC_210_EXTERNAL"
	CodeDegradedService    = "ORC_220_DEGRADED"
	CodeDatabase           = "ORC_230_DATABASE"
	CodeAITimeout          = "ORC_300_AI_TIMEOUT"
	CodeAIRateLimit        = "ORC_301_AI_RATE_LIMIT"
	CodeAIAuthentication   = "ORC_302_AI_AUTH"
)

var kindCodes = map[ErrorKind]string{
	KindValidation:         CodeValidation,
	KindBusinessRule:       CodeBusinessRule,
	KindWorkflow:           CodeWorkflow,
	KindServiceUnavailable: CodeServiceUnavailable,
	KindExternalService:    CodeExternalService,
	KindDegradedService:    CodeDegradedService,
	KindDatabase:           CodeDatabase,
	KindAITimeout:          CodeAITimeout,
	KindAIRateLimit:        CodeAIRateLimit,
	KindAIAuthentication:   CodeAIAuthentication,
}

// Error is the orchestrator error envelope. Service names the dependency for
// egress failures; RetryAfter propagates downstream hints when present.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Service    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Service, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind with its stable code.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Code: kindCodes[kind], Message: msg}
}

// Errorf is NewError with formatting.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WrapError attaches a cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	e := NewError(kind, msg)
	e.Err = err
	return e
}

// ServiceUnavailableError is produced when a circuit breaker short-circuits.
func ServiceUnavailableError(service string) *Error {
	e := NewError(KindServiceUnavailable, "circuit open")
	e.Service = service
	return e
}

// ExternalServiceError wraps a 4xx/5xx or network failure from a dependency.
func ExternalServiceError(service string, status int, err error) *Error {
	e := WrapError(KindExternalService, fmt.Sprintf("remote status %d", status), err)
	e.Service = service
	e.StatusCode = status
	return e
}

// KindOf extracts the kind of any error, defaulting to external-service for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindExternalService
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == kind
}
