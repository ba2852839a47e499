package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how callers should treat a failure.
const (
	// CategoryTransient indicates temporary failures where a retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where a retry will not help.
	// Examples: invalid params, missing record, bad filter expression.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates quota or capacity exhaustion.
	CategoryResource ErrorCategory = "resource"

	// CategorySecurity indicates the caller was rejected by the security layer.
	CategorySecurity ErrorCategory = "security"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
// The server itself never retries; this is advice for the caller.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Store or transport temporarily unavailable

	// Permanent errors
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"           // Record or subscription does not exist
	ErrCodeConflict          ErrorCode = "CONFLICT"            // Record already exists
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"       // Malformed or invalid params
	ErrCodeEmbeddingFailed   ErrorCode = "EMBEDDING_FAILED"    // Embedding provider failed
	ErrCodeInvalidSearchMode ErrorCode = "INVALID_SEARCH_MODE" // Unknown search mode
	ErrCodeFilter            ErrorCode = "FILTER_ERROR"        // Filter could not be parsed or applied
	ErrCodeNotInitialized    ErrorCode = "NOT_INITIALIZED"     // Handshake has not completed
	ErrCodeTransaction       ErrorCode = "TRANSACTION_FAILED"  // Transaction aborted and rolled back
	ErrCodeBatchAborted      ErrorCode = "BATCH_ABORTED"       // Atomic batch stopped at first failure
	ErrCodeCanceled          ErrorCode = "CANCELED"            // Operation was canceled

	// Security errors
	ErrCodeUnauthenticated ErrorCode = "UNAUTHENTICATED" // Missing or invalid credentials
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"       // Principal may not call the method

	// Resource errors
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED" // Rate limit exceeded

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// Wire codes. The standard JSON-RPC codes live in package transport; these are
// the reserved custom ranges. Domain, batch and security errors each own a
// disjoint block so no two unrelated failures share a number.
const (
	RPCResourceNotFound  = -32001
	RPCEmbeddingFailed   = -32002
	RPCInvalidSearchMode = -32003
	RPCFilterError       = -32004
	RPCNotInitialized    = -32005
	RPCConflict          = -32006

	RPCTransactionFailed = -32020
	RPCBatchAborted      = -32021

	RPCAuthentication = -32040
	RPCAuthorization  = -32041
	RPCRateLimited    = -32042

	rpcInvalidParams = -32602
	rpcInternal      = -32603
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeEmbeddingFailed,
		ErrCodeInvalidSearchMode, ErrCodeFilter, ErrCodeNotInitialized,
		ErrCodeTransaction, ErrCodeBatchAborted, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeUnauthenticated, ErrCodeForbidden:
		return CategorySecurity

	case ErrCodeRateLimit:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// RPCCode maps the code onto the numeric wire taxonomy.
func (c ErrorCode) RPCCode() int {
	switch c {
	case ErrCodeNotFound:
		return RPCResourceNotFound
	case ErrCodeEmbeddingFailed:
		return RPCEmbeddingFailed
	case ErrCodeInvalidSearchMode:
		return RPCInvalidSearchMode
	case ErrCodeFilter:
		return RPCFilterError
	case ErrCodeNotInitialized:
		return RPCNotInitialized
	case ErrCodeConflict:
		return RPCConflict
	case ErrCodeTransaction:
		return RPCTransactionFailed
	case ErrCodeBatchAborted:
		return RPCBatchAborted
	case ErrCodeUnauthenticated:
		return RPCAuthentication
	case ErrCodeForbidden:
		return RPCAuthorization
	case ErrCodeRateLimit:
		return RPCRateLimited
	case ErrCodeInvalidInput:
		return rpcInvalidParams
	default:
		return rpcInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeNotFound:          "resource not found",
	ErrCodeConflict:          "resource already exists",
	ErrCodeInvalidInput:      "invalid params",
	ErrCodeEmbeddingFailed:   "embedding generation failed",
	ErrCodeInvalidSearchMode: "invalid search mode",
	ErrCodeFilter:            "invalid filter",
	ErrCodeNotInitialized:    "server not initialized",
	ErrCodeTransaction:       "transaction failed",
	ErrCodeBatchAborted:      "batch aborted",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeUnauthenticated:   "authentication required",
	ErrCodeForbidden:         "access denied",
	ErrCodeRateLimit:         "rate limit exceeded",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
