package daemon

import (
	"context"

	"github.com/mfigueiredo/msgsync/internal/bus"
	intsync "github.com/mfigueiredo/msgsync/internal/sync"
	"go.uber.org/zap"
)

// ReconnectTrigger replays the queued backlog whenever connectivity
// returns. It subscribes to connectivity.online events and runs a full
// reconciliation pass per transition.
type ReconnectTrigger struct {
	engine *intsync.Engine
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewReconnectTrigger creates the trigger.
func NewReconnectTrigger(engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *ReconnectTrigger {
	return &ReconnectTrigger{engine: engine, bus: b, logger: logger}
}

// Start subscribes to connectivity events.
func (t *ReconnectTrigger) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("connectivity.online", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				t.run(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the trigger.
func (t *ReconnectTrigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *ReconnectTrigger) run(ctx context.Context) {
	warnings, err := t.engine.ReconcileAll(ctx, false)
	if err != nil {
		t.logger.Warn("reconnect reconciliation incomplete", zap.Error(err))
	}
	for _, w := range warnings {
		t.logger.Warn("reconnect reconciliation warning",
			zap.String("target", w.Target.Key()),
			zap.String("message", w.Message))
	}
}
