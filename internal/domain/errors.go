package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the coordination core.
var (
	ErrDeployFailed  = fmt.Errorf("agent deployment failed")
	ErrInvalidState  = fmt.Errorf("instance not in a valid state")
	ErrExecuteFailed = fmt.Errorf("task execution failed")
	ErrRecoverFailed = fmt.Errorf("instance recovery failed")
	ErrShuttingDown  = fmt.Errorf("coordinator shutting down")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Manager.Deploy")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "workflow"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can map the combination of sentinel + subsystem to a specific code.
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

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code; category
// sentinels additionally resolve through subSystemCodeMap when tagged.
const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeDeployFailed  ErrorCode = "DEPLOY_FAILED"
	CodeInvalidState  ErrorCode = "INVALID_STATE"
	CodeExecuteFailed ErrorCode = "EXECUTE_FAILED"
	CodeRecoverFailed ErrorCode = "RECOVER_FAILED"
	CodeShuttingDown  ErrorCode = "SHUTTING_DOWN"

	CodeDefinitionNotFound ErrorCode = "DEFINITION_NOT_FOUND"
	CodeInstanceNotFound   ErrorCode = "INSTANCE_NOT_FOUND"
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeInvalidDefinition  ErrorCode = "INVALID_DEFINITION"
	CodeInvalidWorkflow    ErrorCode = "INVALID_WORKFLOW"
	CodeCapacityExceeded   ErrorCode = "CAPACITY_EXCEEDED"
	CodeTaskTimeout        ErrorCode = "TASK_TIMEOUT"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,

	ErrDeployFailed:  CodeDeployFailed,
	ErrInvalidState:  CodeInvalidState,
	ErrExecuteFailed: CodeExecuteFailed,
	ErrRecoverFailed: CodeRecoverFailed,
	ErrShuttingDown:  CodeShuttingDown,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry": CodeDefinitionNotFound,
		"instance": CodeInstanceNotFound,
		"workflow": CodeWorkflowNotFound,
	},
	ErrInvalidInput: {
		"registry": CodeInvalidDefinition,
		"workflow": CodeInvalidWorkflow,
	},
	ErrLimitReached: {
		"instance": CodeCapacityExceeded,
	},
	ErrTimeout: {
		"task":      CodeTaskTimeout,
		"messaging": CodeRequestTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code first.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
