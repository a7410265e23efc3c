package errors

// Code represents an error code
type Code string

// Error codes, grouped by the platform's error taxonomy.
const (
	CodeUnknown  Code = "UNKNOWN"  // Unknown error occurred
	CodeInternal Code = "INTERNAL" // Internal system error, carries a trace id

	// validation
	CodeValidationFailed Code = "VALIDATION_FAILED" // Input validation failed
	CodeInvalidParameter Code = "INVALID_PARAMETER" // Invalid parameter provided
	CodeMissingParameter Code = "MISSING_PARAMETER" // Required parameter missing

	// not-found / conflict / state
	CodeNotFound      Code = "NOT_FOUND"      // Resource not found
	CodeAlreadyExists Code = "ALREADY_EXISTS" // Resource already exists
	CodeInvalidState  Code = "INVALID_STATE"  // Operation not valid in current state

	// safety
	CodeSecurityViolation Code = "SECURITY_VIOLATION" // Script or request contains a denylisted construct
	CodeApprovalRequired  Code = "APPROVAL_REQUIRED"  // Patch requires explicit approval

	// transient
	CodeTimeout      Code = "TIMEOUT"       // Operation timed out
	CodeUnavailable  Code = "UNAVAILABLE"   // Downstream unavailable or 5xx
	CodeNetworkError Code = "NETWORK_ERROR" // Network error

	// policy
	CodeRateLimited Code = "RATE_LIMITED" // Rate limit exceeded
	CodeCircuitOpen Code = "CIRCUIT_OPEN" // Circuit breaker open
	CodeGateFailed  Code = "GATE_FAILED"  // Vulnerability threshold gate failed

	// auth
	CodeUnauthenticated  Code = "UNAUTHENTICATED"   // Missing or invalid credentials
	CodePermissionDenied Code = "PERMISSION_DENIED" // Authenticated but not allowed

	// data
	CodeDataMismatch     Code = "DATA_MISMATCH"     // Feature shape or schema mismatch
	CodeInsufficientData Code = "INSUFFICIENT_DATA" // Too few classes or records to train
	CodeModelNotTrained  Code = "MODEL_NOT_TRAINED" // No model for (target, family)

	// operation-specific
	CodeScanFailed     Code = "SCAN_FAILED"     // Security scan failed
	CodeNotSupported   Code = "NOT_SUPPORTED"   // Capability absent on this adapter
	CodeSessionExpired Code = "SESSION_EXPIRED" // Session has expired
	CodePatchFailed    Code = "PATCH_FAILED"    // Patch execution or validation failed
)
