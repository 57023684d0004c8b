// Package fault defines the error taxonomy shared by all provider packages.
//
// Every error crossing a provider boundary is classified into one of six
// kinds so that engines can make uniform retry decisions without knowing
// which upstream produced the failure. Providers wrap their raw errors in
// [*Error]; engines call [Classify] and act on the [Classification].
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind partitions provider failures by how callers should react.
type Kind int

const (
	// KindTransient is a failure with no specific diagnosis. Retryable.
	KindTransient Kind = iota

	// KindNetwork is a connection drop, DNS failure or refused dial. Retryable.
	KindNetwork

	// KindTimeout is a deadline exceeded on dial or read. Retryable.
	KindTimeout

	// KindRateLimit is an upstream 429. Retryable, honoring RetryAfter.
	KindRateLimit

	// KindAuth is an invalid or rejected credential. Never retryable:
	// retrying cannot succeed until the operator fixes the key.
	KindAuth

	// KindFatal is a non-recoverable request error (malformed input,
	// unsupported model). Never retryable.
	KindFatal
)

// String returns the stable wire name of the kind, used in error frames
// sent to clients and in metric labels.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindNetwork:
		return "NETWORK"
	case KindTimeout:
		return "TIMEOUT"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindAuth:
		return "AUTH"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether failures of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	return k != KindAuth && k != KindFatal
}

// Classification is the uniform retry decision derived from an error.
type Classification struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration
}

// Error is a classified provider error. It wraps the underlying cause so
// errors.Is/As keep working through the classification layer.
type Error struct {
	// Kind is the failure category.
	Kind Kind

	// Op names the failing operation, e.g. "deepgram: open stream".
	Op string

	// RetryAfter is the upstream-suggested wait before retrying.
	// Zero when the upstream gave no hint.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a classification.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited wraps err as a rate limit with an upstream retry hint.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimit, Op: op, RetryAfter: retryAfter, Err: err}
}

// FromStatus maps an HTTP-style status code to a classified error.
// WebSocket providers that surface HTTP handshake failures and REST
// providers share this mapping.
func FromStatus(op string, status int, err error) *Error {
	switch {
	case status == 401 || status == 403:
		return New(KindAuth, op, err)
	case status == 429:
		return New(KindRateLimit, op, err)
	case status == 408:
		return New(KindTimeout, op, err)
	case status >= 500:
		return New(KindTransient, op, err)
	case status >= 400:
		return New(KindFatal, op, err)
	default:
		return New(KindTransient, op, err)
	}
}

// Classify derives the retry decision for an arbitrary error. Classified
// provider errors are honored directly; raw errors fall back on standard
// library sentinels: deadline → TIMEOUT, net errors → NETWORK, everything
// else → TRANSIENT.
func Classify(err error) Classification {
	var fe *Error
	if errors.As(err, &fe) {
		return Classification{Kind: fe.Kind, Retryable: fe.Kind.Retryable(), RetryAfter: fe.RetryAfter}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout, Retryable: true}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Classification{Kind: KindTimeout, Retryable: true}
		}
		return Classification{Kind: KindNetwork, Retryable: true}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Classification{Kind: KindNetwork, Retryable: true}
	}
	return Classification{Kind: KindTransient, Retryable: true}
}
