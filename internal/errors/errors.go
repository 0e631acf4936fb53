// Package errors 定义统一的错误码。每个码登记默认的严重程度与可重试性，
// 重试队列、治理网关与 API 层都只依据错误码分支。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// CodeRecoverableIO 外部调用的瞬时失败，由重试队列在本地消化。
	CodeRecoverableIO Code = "RECOVERABLE_IO"
	// CodeGovernanceViolation 调用超出工具允许的治理级别，永远不会被执行。
	CodeGovernanceViolation Code = "GOVERNANCE_VIOLATION"
	// CodeCorruption 某一层记忆未通过完整性校验。
	CodeCorruption Code = "CORRUPTION"
	// CodeBudgetExceeded 预算窗口已满，是可分支的暂停信号。
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	// CodeUnknownCapability 调用了未注册的工具。
	CodeUnknownCapability Code = "UNKNOWN_CAPABILITY"
	// CodeRateLimited 外部服务明确返回限流。
	CodeRateLimited Code = "RATE_LIMITED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false},
		CodeNotFound:              {"resource not found", SeverityInfo, false},
		CodeConflict:              {"resource conflict", SeverityWarning, false},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, false},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true},
		CodeExecutorFailure:       {"executor failure", SeverityWarning, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true},
		CodeRecoverableIO:         {"transient external failure", SeverityWarning, true},
		CodeGovernanceViolation:   {"governance level forbids this call", SeverityWarning, false},
		CodeCorruption:            {"memory layer failed integrity check", SeverityCritical, false},
		CodeBudgetExceeded:        {"call budget exhausted for the current window", SeverityInfo, true},
		CodeUnknownCapability:     {"unknown tool", SeverityWarning, false},
		CodeRateLimited:           {"rate limited by remote service", SeverityInfo, true},
	}
)

// Register 供各业务包在 init 中登记自己的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认行为，未登记的码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
}

// Option 在创建时调整错误。
type Option func(*Error)

// WithMetadata 附加一项键值，例如 HTTP 状态码或 Retry-After。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	return build(code, nil, message, opts)
}

// Wrap 以 code 包裹 cause，errors.Is/As 仍能穿透到 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	return build(code, cause, message, opts)
}

func build(code Code, cause error, message string, opts []Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message, cause: cause}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较两个 *Error。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 时为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Retryable 优先使用 WithRetryable 的覆盖值。
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return AttributesOf(e.code).Retryable
	}
}

// From 在错误链中查找最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中最外层 *Error 的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断 CodeOf(err) 是否为 code，nil 总是 false。
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// MetadataOf 读取错误上附加的单个元数据。
func MetadataOf(err error, key string) string {
	if e, ok := From(err); ok {
		return e.metadata[key]
	}
	return ""
}

// RetryableError 判断任意 error 是否可重试，未编码的错误不可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// SeverityOf 返回错误码登记的严重程度，未编码的错误视为 UNKNOWN。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}
