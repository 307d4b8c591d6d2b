// Package fault classifies failures so the agent runtime and the ingress
// layer agree on retry and surfacing policy. Transient faults are retried by
// the runtime; everything else is surfaced or dead-lettered.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure classification.
type Kind string

const (
	// KindValidation marks malformed input. Surfaced, never retried.
	KindValidation Kind = "validation"
	// KindAuth marks unauthorized access. Surfaced, never retried.
	KindAuth Kind = "auth"
	// KindBusy marks the per-session in-flight guard. Surfaced as busy.
	KindBusy Kind = "busy"
	// KindTimeout marks an expired request or chunk-gap deadline.
	KindTimeout Kind = "timeout"
	// KindTransient marks a bus/repo/LLM failure worth retrying.
	KindTransient Kind = "transient"
	// KindPermanent marks an unrecoverable behavior failure; dead-lettered.
	KindPermanent Kind = "permanent"
	// KindCancelled marks a client disconnect; aborted silently.
	KindCancelled Kind = "cancelled"
)

// Fault is an error with a classification.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New wraps err with a kind.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as retryable.
func Transient(err error) *Fault { return New(KindTransient, err) }

// Permanent wraps err as unrecoverable.
func Permanent(err error) *Fault { return New(KindPermanent, err) }

// KindOf classifies an arbitrary error. Unclassified non-context errors
// default to permanent: retrying an unknown failure is how duplicate answers
// get produced.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	return KindPermanent
}

// Retryable reports whether the runtime should re-attempt the work.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
