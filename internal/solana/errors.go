package solana

import (
	"errors"
	"fmt"
	"strings"
)

// RPCError is a JSON-RPC level error returned by a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RetryableError marks a transport or node fault worth retrying on the
// same or another endpoint.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError marks malformed input or a permanent node answer.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// Fixed substrings for transient faults, matched case-insensitively on
// the error text. Covers HTTP-level faults and the chain-specific
// transient answers Solana nodes produce.
var retryableFragments = []string{
	"429",
	"too many requests",
	"rate limit",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"no such host",
	"http 500",
	"http 502",
	"http 503",
	"http 504",
	"bad gateway",
	"service unavailable",
	"node is behind",
	"node is unhealthy",
	"blockhash not found",
	"block not available",
	"slot was skipped",
	"slot skipped",
	"transaction not found",
	"failed to query long-term storage",
}

var nonRetryableFragments = []string{
	"invalid param",
	"invalid request",
	"method not found",
	"parse error",
	"wrong size",
	"invalid base58",
	"unsupported transaction version",
	"http 400",
	"http 401",
	"http 403",
	"http 404",
	"http 413",
}

// Classify wraps err as retryable or non-retryable according to the
// fixed classification rules. Already-classified and nil errors pass
// through; unknown errors default to retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var re *RetryableError
	var nre *NonRetryableError
	if errors.As(err, &re) || errors.As(err, &nre) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryableFragments {
		if strings.Contains(msg, frag) {
			return &NonRetryableError{Err: err}
		}
	}
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return &RetryableError{Err: err}
		}
	}
	// Unknown faults are retried by default; the breaker and the
	// engine-level retry policy bound the damage.
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should be retried. nil returns false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return IsRetryable(Classify(err))
}
