package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/fault"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

func leaseKey(sessionID int64) string {
	return fmt.Sprintf("session_%d", sessionID)
}

// acquireLease enforces at-most-one in-flight request per session. The
// bucket TTL equals the request timeout, so a crashed holder frees the
// session on its own.
func (o *Orchestrator) acquireLease(ctx context.Context, req *v1.Request) error {
	value, err := json.Marshal(lease{RequestID: req.RequestID, ExpiresAt: req.DeadlineAt})
	if err != nil {
		return fmt.Errorf("marshaling lease: %w", err)
	}
	err = o.leases.Create(ctx, leaseKey(req.SessionID), value)
	if errors.Is(err, bus.ErrKeyExists) {
		o.sidecar.Inc("busy_rejections_total", 1, nil)
		return fault.Newf(fault.KindBusy, "session %d already has a request in flight", req.SessionID)
	}
	if err != nil {
		return fault.Transient(fmt.Errorf("acquiring session lease: %w", err))
	}
	return nil
}

func (o *Orchestrator) releaseLease(ctx context.Context, sessionID int64) {
	// Best effort on a detached context: the lease must be released even
	// when the request context is already cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.leases.Delete(ctx, leaseKey(sessionID)); err != nil {
		o.logger.Warn("failed to release session lease",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}
}
