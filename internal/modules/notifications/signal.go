package notifications

import (
	"context"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

// RecomputeSignal is the targeted trigger: something about recipient's
// notifications changed and its groups should be recomputed.
type RecomputeSignal interface {
	RecipientChanged(ctx context.Context, recipient types.RecipientRef) error
}

// DirectSignal recomputes inline on the caller's goroutine.
type DirectSignal struct {
	Driver  *Driver
	Log     *logger.Logger
	Metrics *observability.Metrics
}

func NewDirectSignal(driver *Driver, log *logger.Logger, metrics *observability.Metrics) *DirectSignal {
	if log == nil {
		log = logger.Nop()
	}
	return &DirectSignal{Driver: driver, Log: log.With("component", "DirectSignal"), Metrics: metrics}
}

func (s *DirectSignal) RecipientChanged(ctx context.Context, recipient types.RecipientRef) error {
	_, err := s.Driver.Recompute(ctx, recipient, RecomputeOptions{Trigger: TriggerDirect})
	s.Metrics.IncSignal(TriggerDirect, observability.StatusForError(err))
	return err
}

// SignalFunc adapts a function to RecomputeSignal.
type SignalFunc func(ctx context.Context, recipient types.RecipientRef) error

func (f SignalFunc) RecipientChanged(ctx context.Context, recipient types.RecipientRef) error {
	return f(ctx, recipient)
}
