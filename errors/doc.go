// Package errors provides the structured error taxonomy used across docrpc.
//
// # Categories
//
// Every error belongs to a category that tells the caller how to react:
//
//   - Transient: temporary failures where a retry may succeed
//   - Permanent: retrying will not help (bad params, missing record, bad filter)
//   - Resource: quota exhaustion such as rate limiting
//   - Security: rejected by authentication or authorization
//   - Internal: bugs or unexpected failures
//
// # Wire codes
//
// ErrorCode.RPCCode maps each code onto the JSON-RPC numeric taxonomy. The
// standard codes (-32700..-32603) are owned by package transport; the custom
// range is split into disjoint blocks:
//
//	-32001..-32009  domain   (not found, embedding, search mode, filter, ...)
//	-32020..-32029  batch    (transaction failed, atomic batch aborted)
//	-32040..-32049  security (authentication, authorization, rate limit)
//
// # Usage
//
//	err := errors.NotFound("document 42 not found")
//	wrapped := errors.Wrap(err, "loading pre-image")
//	errors.Is(wrapped, errors.ErrCodeNotFound) // true
//
// Data attached with WithData travels to the client in the error object's
// data field, e.g. the retry_after hint on RATE_LIMITED.
package errors
