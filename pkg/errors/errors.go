// Package errors provides standardized error types and error handling utilities
// for the authgate platform. It defines common error categories, error codes,
// and helper functions for creating, wrapping, and inspecting errors across the
// authentication and authorization pipeline.
//
// # Error Categories
//
// The package defines several error categories that map to common failure scenarios:
//
//   - Validation errors: Invalid input, missing required fields
//   - Authentication errors: Invalid credentials, expired tokens, no matching user
//   - Authorization errors: Insufficient privileges, terms of service not accepted
//   - NotFound errors: Resource does not exist
//   - Conflict errors: Resource already exists, concurrent provisioning
//   - Upstream errors: Identity provider rejected or failed an exchange
//   - Internal errors: Unexpected system failures, misconfigured roles
//   - Unavailable errors: Service temporarily unavailable
//   - Timeout errors: Operation exceeded time limit
//
// # Error Codes
//
// Each error includes a machine-readable code (e.g., "AUTH_001") that can be used
// for error tracking, alerting, and client-side error handling. Error codes follow
// the pattern: CATEGORY_XXX where CATEGORY is a short identifier and XXX is a
// numeric code.
//
// # Usage
//
// Create a new error with context:
//
//	err := errors.New(errors.CodeAuthenticationInvalid, "token is malformed")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeUpstream, "identity provider rejected the code exchange")
//
// Check error category:
//
//	if errors.IsAuthentication(err) {
//	    // respond 401
//	}
//
// Extract error details for logging:
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("request rejected",
//	        "code", e.Code,
//	        "message", e.Message,
//	    )
//	}
package errors
