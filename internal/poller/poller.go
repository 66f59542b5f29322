package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mfigueiredo/msgsync/internal/gateway"
	"go.uber.org/zap"
)

// ErrFetchInFlight is returned by Refresh when another fetch for the same
// conversation is already running and no fresh data was loaded.
var ErrFetchInFlight = errors.New("fetch already in flight")

// InFlightChecker reports whether a reconciliation for a target is running.
// The poller skips a cycle instead of fetching state mid-replay.
type InFlightChecker interface {
	InFlight(target gateway.Target) bool
}

// Poller keeps one conversation's view current by refetching it at a fixed
// interval and merging the result. It knows nothing about UI lifecycle; the
// owning view controller calls Start on entering the conversation and Stop
// on leaving it.
type Poller struct {
	target   gateway.Target
	view     *View
	gw       gateway.RemoteGateway
	checker  InFlightChecker
	interval time.Duration
	pageSize int
	logger   *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	fetching atomic.Bool
}

// New creates a poller for one conversation. checker may be nil.
func New(target gateway.Target, view *View, gw gateway.RemoteGateway, checker InFlightChecker, interval time.Duration, pageSize int, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		target:   target,
		view:     view,
		gw:       gw,
		checker:  checker,
		interval: interval,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Start begins polling. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
}

// Stop cancels the polling timer. An in-flight fetch finishes on its own;
// its merge is harmless after stop.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// IsRunning reports whether the polling timer is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Refresh performs one manual fetch-and-merge, surfacing the error. The
// view controller uses it on conversation entry, where a failure must be
// shown to the user rather than swallowed. If another fetch is already in
// flight, ErrFetchInFlight tells the caller nothing was loaded.
func (p *Poller) Refresh(ctx context.Context) error {
	if !p.fetching.CompareAndSwap(false, true) {
		return ErrFetchInFlight
	}
	defer p.fetching.Store(false)
	return p.fetchAndMerge(ctx, 0)
}

// FetchOlder loads one page further back and merges it additively; a
// history page must never evict the newer messages already displayed.
// Older pages are never cached; every call goes to the server. Returns
// whether more pages remain.
func (p *Poller) FetchOlder(ctx context.Context, offset int) (bool, error) {
	res, err := p.gw.FetchMessages(ctx, p.target, offset, p.pageSize, 0, false)
	if err != nil {
		return false, err
	}
	p.view.MergeOlder(res.Messages)
	return res.CanLoadMore, nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if p.checker != nil && p.checker.InFlight(p.target) {
		p.logger.Debug("poll skipped, reconciliation in flight", zap.String("target", p.target.Key()))
		return
	}
	if !p.fetching.CompareAndSwap(false, true) {
		return
	}
	defer p.fetching.Store(false)

	if err := p.fetchAndMerge(ctx, 0); err != nil {
		// Timer cycles swallow errors; the next tick retries.
		p.logger.Debug("poll fetch failed", zap.String("target", p.target.Key()), zap.Error(err))
	}
}

func (p *Poller) fetchAndMerge(ctx context.Context, offset int) error {
	// Invalidate-then-refetch: the first page always reflects server truth,
	// never a cache.
	p.gw.Invalidate(p.target.Key())
	res, err := p.gw.FetchMessages(ctx, p.target, offset, p.pageSize, 0, false)
	if err != nil {
		return err
	}
	p.view.Merge(res.Messages)
	return nil
}
