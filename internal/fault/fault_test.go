package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindOf_Classified(t *testing.T) {
	err := Newf(KindBusy, "session %d busy", 7)
	if KindOf(err) != KindBusy {
		t.Errorf("Expected busy, got %s", KindOf(err))
	}
	wrapped := fmt.Errorf("handling request: %w", Transient(errors.New("conn reset")))
	if KindOf(wrapped) != KindTransient {
		t.Errorf("Expected transient through wrapping, got %s", KindOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Error("Expected transient to be retryable")
	}
}

func TestKindOf_ContextErrors(t *testing.T) {
	if KindOf(context.Canceled) != KindCancelled {
		t.Errorf("Expected cancelled, got %s", KindOf(context.Canceled))
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Errorf("Expected timeout, got %s", KindOf(context.DeadlineExceeded))
	}
}

func TestKindOf_NetErrors(t *testing.T) {
	opErr := &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}
	if KindOf(opErr) != KindTransient {
		t.Errorf("Expected transient for net.OpError, got %s", KindOf(opErr))
	}
	timeoutErr := &net.DNSError{IsTimeout: true}
	if KindOf(timeoutErr) != KindTimeout {
		t.Errorf("Expected timeout for DNS timeout, got %s", KindOf(timeoutErr))
	}
}

func TestKindOf_UnknownDefaultsPermanent(t *testing.T) {
	if KindOf(errors.New("mystery")) != KindPermanent {
		t.Error("Expected unclassified errors to be permanent")
	}
	if Retryable(errors.New("mystery")) {
		t.Error("Expected unclassified errors not to be retried")
	}
}

func TestFault_Unwrap(t *testing.T) {
	base := errors.New("root cause")
	f := New(KindPermanent, base)
	if !errors.Is(f, base) {
		t.Error("Expected errors.Is to see through Fault")
	}
	var target *Fault
	if !errors.As(fmt.Errorf("outer: %w", f), &target) {
		t.Error("Expected errors.As to find Fault")
	}
}
