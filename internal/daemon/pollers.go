package daemon

import (
	"github.com/mfigueiredo/msgsync/internal/bus"
	"github.com/mfigueiredo/msgsync/internal/config"
	"github.com/mfigueiredo/msgsync/internal/gateway"
	"github.com/mfigueiredo/msgsync/internal/poller"
	intsync "github.com/mfigueiredo/msgsync/internal/sync"
	"go.uber.org/zap"
)

// Pollers builds per-conversation pollers wired to the engine's in-flight
// checks. The owning view controller starts a poller on entering a
// conversation and stops it on leaving.
type Pollers struct {
	gw     gateway.RemoteGateway
	engine *intsync.Engine
	bus    *bus.Bus
	cfg    *config.Config
	logger *zap.Logger
}

// NewPollers creates the factory.
func NewPollers(gw gateway.RemoteGateway, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Pollers {
	return &Pollers{gw: gw, engine: engine, bus: b, cfg: cfg, logger: logger}
}

// For returns a fresh view and poller for the target. The poller is not
// started.
func (f *Pollers) For(target gateway.Target) (*poller.View, *poller.Poller) {
	view := poller.NewView(target, f.bus)
	p := poller.New(target, view, f.gw, f.engine, f.cfg.PollInterval(), f.cfg.PageSize, f.logger)
	return view, p
}
