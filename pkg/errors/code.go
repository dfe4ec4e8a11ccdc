package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission errors
// 13100-13199: Judge pipeline errors
// 13200-13299: Sandbox errors
// 13300-13399: Security (archive / source) errors
// 13400-13499: Testdata errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	LockFailed     ErrorCode = 10203
	LockNotHeld    ErrorCode = 10204
	StorageError   ErrorCode = 10250
	QueueError     ErrorCode = 10260
	ObjectNotFound ErrorCode = 10251

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Submission Errors (13000-13099) ==========

	SubmissionNotFound   ErrorCode = 13000
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	ProblemNotFound      ErrorCode = 13010

	// ========== Judge Pipeline Errors (13100-13199) ==========

	JudgeQueueFull      ErrorCode = 13100
	JudgeSystemError    ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
	OutputLimitExceeded ErrorCode = 13106
	StageNotRegistered  ErrorCode = 13110
	StageConfigInvalid  ErrorCode = 13111
	ArtifactFailure     ErrorCode = 13120
	TemplateInvalid     ErrorCode = 13121
	CheckerFailure      ErrorCode = 13122

	// ========== Sandbox Errors (13200-13299) ==========

	SandboxFailure      ErrorCode = 13200
	SandboxTimeout      ErrorCode = 13201
	SandboxOutputLimit  ErrorCode = 13202
	SandboxCleanupError ErrorCode = 13203

	// ========== Security Errors (13300-13399) ==========

	ArchiveRejected ErrorCode = 13300
	SourceRejected  ErrorCode = 13301

	// ========== Testdata Errors (13400-13499) ==========

	TestdataUnavailable ErrorCode = 13400
	TestdataInvalid     ErrorCode = 13401
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	LockFailed:     "Failed to acquire lock",
	LockNotHeld:    "Lock is not held by caller",
	StorageError:   "Object storage operation failed",
	ObjectNotFound: "Object not found",
	QueueError:     "Message queue operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	SubmissionNotFound:   "Submission not found",
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",
	ProblemNotFound:      "Problem not found",

	JudgeQueueFull:      "Judge queue is full, please try again later",
	JudgeSystemError:    "Judge system error",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	StageNotRegistered:  "Pipeline stage is not registered",
	StageConfigInvalid:  "Pipeline stage config is invalid",
	ArtifactFailure:     "Artifact collection failed",
	TemplateInvalid:     "Function template is invalid",
	CheckerFailure:      "Checker execution failed",

	SandboxFailure:      "Sandbox execution failed",
	SandboxTimeout:      "Sandbox execution timed out",
	SandboxOutputLimit:  "Sandbox output exceeded limit",
	SandboxCleanupError: "Sandbox cleanup failed",

	ArchiveRejected: "Archive rejected by security check",
	SourceRejected:  "Source rejected by security check",

	TestdataUnavailable: "Testdata is unavailable",
	TestdataInvalid:     "Testdata is invalid",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionNotFound, c == ProblemNotFound, c == RecordNotFound:
		return 404
	case c == ServiceUnavailable, c == JudgeQueueFull:
		return 503
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}

// IsSecurity reports whether the code belongs to the security range.
func (c ErrorCode) IsSecurity() bool {
	return c >= 13300 && c < 13400
}
