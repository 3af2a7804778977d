package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")

	// Gateway transport errors.
	ErrNotConnected       = fmt.Errorf("gateway not connected")
	ErrConnectionClosed   = fmt.Errorf("connection closed")
	ErrClientDisconnected = fmt.Errorf("client disconnected")
	ErrHandshakeFailed    = fmt.Errorf("gateway handshake failed")
	ErrAuthInvalid        = fmt.Errorf("authentication failed")
	ErrRequestTimeout     = fmt.Errorf("request: %w", ErrTimeout)
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")

	// Chat stream errors.
	ErrRunActive = fmt.Errorf("a chat run is already active")
	ErrRunFailed = fmt.Errorf("chat run failed")

	// Local storage errors.
	ErrJournalStore = fmt.Errorf("journal store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Client.Request")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "gateway", "journal"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RPCError is a structured error carried inside a failed response frame.
// Callers branch on Retryable / RetryAfterMs to decide their own retry policy;
// the client itself never retries a request implicitly.
type RPCError struct {
	Method       string
	ErrCode      string
	Message      string
	Details      any
	Retryable    bool
	RetryAfterMs int
}

func (e *RPCError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("rpc %s: %s: %s", e.Method, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Retryable
	}
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrConnectionClosed)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes grouped by subsystem. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeNotConnected       ErrorCode = "GATEWAY_NOT_CONNECTED"
	CodeConnectionClosed   ErrorCode = "GATEWAY_CONNECTION_CLOSED"
	CodeClientDisconnected ErrorCode = "GATEWAY_CLIENT_DISCONNECTED"
	CodeHandshakeFailed    ErrorCode = "GATEWAY_HANDSHAKE_FAILED"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeRunActive          ErrorCode = "CHAT_RUN_ACTIVE"
	CodeRunFailed          ErrorCode = "CHAT_RUN_FAILED"
	CodeJournalStore       ErrorCode = "JOURNAL_STORE"
	CodeRPCError           ErrorCode = "RPC_ERROR"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeUnavailable        ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConfigLoad:         CodeConfigLoad,
	ErrNotConnected:       CodeNotConnected,
	ErrConnectionClosed:   CodeConnectionClosed,
	ErrClientDisconnected: CodeClientDisconnected,
	ErrHandshakeFailed:    CodeHandshakeFailed,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrRequestTimeout:     CodeRequestTimeout,
	ErrRateLimit:          CodeRateLimit,
	ErrRunActive:          CodeRunActive,
	ErrRunFailed:          CodeRunFailed,
	ErrJournalStore:       CodeJournalStore,
	ErrTimeout:            CodeTimeout,
	ErrNotFound:           CodeNotFound,
	ErrInvalidInput:       CodeInvalidInput,
	ErrUnavailable:        CodeUnavailable,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and matches against known sentinels; unrecognized
// errors map to CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return CodeRPCError
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the error code for a DomainError.
func (e *DomainError) Code() ErrorCode {
	if e == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
