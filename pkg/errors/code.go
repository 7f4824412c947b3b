package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Wire codec errors
// 20100-20199: Executor errors
// 20200-20299: Isolation & Security errors
// 20300-20399: Worker & Host errors
// 20400-20499: Artifact errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Wire Codec Errors (20000-20099) ==========

	FrameTooLarge   ErrorCode = 20000
	FrameTruncated  ErrorCode = 20001
	DecodeFailed    ErrorCode = 20002
	EncodeFailed    ErrorCode = 20003
	BlobBombLimit   ErrorCode = 20004
	BlobInvalid     ErrorCode = 20005
	UnknownVariant  ErrorCode = 20006
	ParamsDuplicate ErrorCode = 20007

	// ========== Executor Errors (20100-20199) ==========

	RuntimeConstruction ErrorCode = 20100
	ExecutionFailed     ErrorCode = 20101
	PrepareFailed       ErrorCode = 20102
	PrecheckFailed      ErrorCode = 20103
	ExportMissing       ErrorCode = 20104
	InvalidABI          ErrorCode = 20105

	// ========== Isolation & Security Errors (20200-20299) ==========

	SpawnFailed       ErrorCode = 20200
	CgroupFailed      ErrorCode = 20201
	SeccompFailed     ErrorCode = 20202
	ChangeRootFailed  ErrorCode = 20203
	FdCloseFailed     ErrorCode = 20204
	ProbeFailed       ErrorCode = 20205
	KernelCallFailed  ErrorCode = 20206
	UnsupportedSystem ErrorCode = 20207

	// ========== Worker & Host Errors (20300-20399) ==========

	HostCommunication ErrorCode = 20300
	VersionMismatch   ErrorCode = 20301
	WorkerDirInvalid  ErrorCode = 20302
	WorkerSpawnFailed ErrorCode = 20303
	WorkerDied        ErrorCode = 20304
	PoolExhausted     ErrorCode = 20305
	PoolClosed        ErrorCode = 20306

	// ========== Artifact Errors (20400-20499) ==========

	ArtifactNotFound  ErrorCode = 20400
	ArtifactCorrupted ErrorCode = 20401
	ArtifactWrite     ErrorCode = 20402
	PrepareTimeout    ErrorCode = 20403
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Wire
	FrameTooLarge:   "Frame exceeds maximum size",
	FrameTruncated:  "Stream ended before a full frame was read",
	DecodeFailed:    "Failed to decode message",
	EncodeFailed:    "Failed to encode message",
	BlobBombLimit:   "Decompressed blob exceeds bomb limit",
	BlobInvalid:     "Invalid compressed blob",
	UnknownVariant:  "Unknown enum variant",
	ParamsDuplicate: "Duplicate executor parameter",

	// Executor
	RuntimeConstruction: "Failed to construct runtime",
	ExecutionFailed:     "Execution failed",
	PrepareFailed:       "Preparation failed",
	PrecheckFailed:      "Precheck failed",
	ExportMissing:       "Required export is missing",
	InvalidABI:          "Guest broke the calling convention",

	// Isolation & Security
	SpawnFailed:       "Failed to spawn job process",
	CgroupFailed:      "Cgroup operation failed",
	SeccompFailed:     "Failed to install seccomp filter",
	ChangeRootFailed:  "Failed to change root",
	FdCloseFailed:     "Failed to close file descriptor",
	ProbeFailed:       "Security capability probe failed",
	KernelCallFailed:  "Kernel call failed",
	UnsupportedSystem: "Operation is not supported on this system",

	// Worker & Host
	HostCommunication: "Host communication failed",
	VersionMismatch:   "Worker version mismatch",
	WorkerDirInvalid:  "Invalid worker directory",
	WorkerSpawnFailed: "Failed to spawn worker",
	WorkerDied:        "Worker died",
	PoolExhausted:     "Worker pool is exhausted",
	PoolClosed:        "Worker pool is closed",

	// Artifacts
	ArtifactNotFound:  "Artifact not found",
	ArtifactCorrupted: "Artifact is corrupted",
	ArtifactWrite:     "Failed to write artifact",
	PrepareTimeout:    "Preparation timed out",
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
	case c == NotFound, c == ArtifactNotFound:
		return 404
	case c == TooManyRequests, c == PoolExhausted:
		return 429
	case c == ServiceUnavailable, c == PoolClosed:
		return 503
	case c == Timeout, c == PrepareTimeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == BlobBombLimit, c == BlobInvalid, c == ParamsDuplicate:
		return 400
	case c == PrecheckFailed, c == PrepareFailed:
		return 422
	default:
		return 500
	}
}
