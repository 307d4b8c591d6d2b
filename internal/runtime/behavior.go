// Package runtime hosts the shared agent worker: consumer-group subscription,
// dispatch with retries and panic isolation, deadline enforcement, cancel
// handling and graceful drain. Agent domain logic plugs in as a Behavior.
package runtime

import (
	"context"

	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Emitter publishes response events onto the request's session stream. The
// runtime binds request and session ids, so behaviors only fill the variant
// fields.
type Emitter interface {
	Emit(ctx context.Context, ev *v1.ResponseEvent) error
}

// Behavior is one agent's domain logic. Handle processes a single claimed
// request and emits whatever response events the flow calls for; returning
// nil acknowledges the message. Errors are classified through the fault
// package: transient failures are retried, everything else is surfaced and
// dead-lettered by the runtime.
type Behavior interface {
	Name() string
	Handle(ctx context.Context, req *v1.Request, em Emitter) error
}
