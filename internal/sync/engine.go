package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mfigueiredo/msgsync/internal/bus"
	"github.com/mfigueiredo/msgsync/internal/gateway"
	"github.com/mfigueiredo/msgsync/internal/status"
	"github.com/mfigueiredo/msgsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ErrOffline is returned when reconciliation is requested while the device
// has no connectivity. It classifies as a connectivity failure.
var ErrOffline = grpcstatus.Error(codes.Unavailable, "device is offline")

// Config tunes the reconciliation engine.
type Config struct {
	// SelfUserID identifies the current user; only their messages count
	// toward the de-duplication window.
	SelfUserID int64
	// RequestTimeout is the worst-case duration of a send request. It widens
	// the de-duplication window so a send that was cut off mid-flight in a
	// previous run is still covered.
	RequestTimeout time.Duration
	// DedupSafetyMargin widens the de-duplication window further to absorb
	// clock skew between device and server.
	DedupSafetyMargin time.Duration
	// LegacySendDelay is the pause between consecutive sends to a peer
	// target. The legacy thread ordering tie-breaks on coarse timestamps,
	// so sends must land in distinct seconds.
	LegacySendDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DedupSafetyMargin == 0 {
		c.DedupSafetyMargin = 10 * time.Second
	}
	if c.LegacySendDelay == 0 {
		c.LegacySendDelay = time.Second
	}
	return c
}

// Engine replays queued outgoing messages against the remote gateway. One
// reconciliation runs per target at a time; concurrent callers for the same
// target attach to the in-flight run and share its result.
type Engine struct {
	db      *store.DB
	gw      gateway.RemoteGateway
	tracker *status.Tracker
	bus     *bus.Bus
	namer   Namer
	logger  *zap.Logger
	cfg     Config

	flight   singleflight.Group
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEngine creates a reconciliation engine. namer may be nil; warnings then
// fall back to snapshot names and raw target keys.
func NewEngine(db *store.DB, gw gateway.RemoteGateway, tracker *status.Tracker, b *bus.Bus, namer Namer, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		gw:       gw,
		tracker:  tracker,
		bus:      b,
		namer:    namer,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		inflight: make(map[string]struct{}),
	}
}

// entry is the unified view over both queue tables used during a run.
type entry struct {
	body      string
	createdAt int64
	offline   bool
	snapshot  *store.ConversationSnapshot
}

// Reconcile drains the queue for one target. Server rejections are collected
// as warnings and the run continues; a connectivity failure aborts the run
// and is returned as the error. A caller that requests reconciliation while
// another run for the same target is in flight receives that run's result.
func (e *Engine) Reconcile(ctx context.Context, target gateway.Target) (Warnings, error) {
	v, err, _ := e.flight.Do(target.Key(), func() (any, error) {
		e.setInFlight(target, true)
		defer e.setInFlight(target, false)
		return e.run(ctx, target)
	})
	warnings, _ := v.(Warnings)
	return warnings, err
}

// ReconcileAll reconciles every target that has queued entries, each target
// independently so one conversation's failure never blocks another. With
// onlyDeviceOffline set, only targets holding offline-composed entries are
// replayed (the reconnect path).
func (e *Engine) ReconcileAll(ctx context.Context, onlyDeviceOffline bool) (Warnings, error) {
	peers, err := e.db.ListAllPeer(onlyDeviceOffline)
	if err != nil {
		return nil, fmt.Errorf("list peer queue: %w", err)
	}
	convs, err := e.db.ListAllConversation(onlyDeviceOffline)
	if err != nil {
		return nil, fmt.Errorf("list conversation queue: %w", err)
	}

	targets := make(map[gateway.Target]struct{})
	for _, m := range peers {
		targets[gateway.Peer(m.RecipientUserID)] = struct{}{}
	}
	for _, m := range convs {
		targets[gateway.Conversation(m.ConversationID)] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var mu sync.Mutex
	var all Warnings
	var hard []error
	for target := range targets {
		target := target
		g.Go(func() error {
			w, err := e.Reconcile(gctx, target)
			mu.Lock()
			defer mu.Unlock()
			all = append(all, w...)
			if err != nil {
				hard = append(hard, fmt.Errorf("%s: %w", target, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return all, errors.Join(hard...)
}

// InFlight reports whether a reconciliation for the target is currently
// running. The poller consults this to skip a cycle instead of reading
// state mid-replay.
func (e *Engine) InFlight(target gateway.Target) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[target.Key()]
	return ok
}

func (e *Engine) setInFlight(target gateway.Target, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v {
		e.inflight[target.Key()] = struct{}{}
	} else {
		delete(e.inflight, target.Key())
	}
}

func (e *Engine) run(ctx context.Context, target gateway.Target) (Warnings, error) {
	entries, err := e.load(target)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if !e.tracker.IsOnline() {
		// Never touch the network while offline; flag everything for the
		// reconnect trigger.
		if err := e.markOffline(target, entries, true); err != nil {
			e.logger.Warn("failed to flag entries offline", zap.String("target", target.Key()), zap.Error(err))
		}
		e.publishFailed(target, ErrOffline)
		return nil, ErrOffline
	}

	// Replay strictly in creation order. Body text breaks createdAt ties
	// deterministically; the queue has no send-sequence id.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].createdAt != entries[j].createdAt {
			return entries[i].createdAt < entries[j].createdAt
		}
		return entries[i].body < entries[j].body
	})

	window, err := e.dedupWindow(ctx, target, entries[0].createdAt)
	if err != nil {
		return nil, e.abortConnectivity(target, entries, err)
	}

	var (
		sent, skipped int
		rejections    []rejection
		seen          = make(map[string]struct{})
	)
	for i, q := range entries {
		normalized := gateway.NormalizeBody(q.body)
		didSend := false

		if _, dup := window[normalized]; dup {
			// Already delivered by a previous partially-failed run.
			skipped++
		} else {
			if _, err := e.send(ctx, target, normalized); err != nil {
				if gateway.IsConnectivity(err) {
					return e.renderWarnings(target, entries, rejections), e.abortConnectivity(target, entries[i:], err)
				}
				// Server rejected: warn once per distinct error, drop the
				// entry from retry consideration, keep going.
				if id := gateway.ErrorIdentity(err); !containsIdentity(seen, id) {
					rejections = append(rejections, rejection{entry: q, err: err})
				}
				e.logger.Warn("message rejected by server",
					zap.String("target", target.Key()),
					zap.Int64("created_at", q.createdAt),
					zap.Error(err))
			} else {
				sent++
				didSend = true
			}
		}

		// Delete immediately so a crash mid-run cannot resend confirmed
		// messages.
		if err := e.deleteEntry(target, q); err != nil {
			return e.renderWarnings(target, entries, rejections), fmt.Errorf("delete queued entry: %w", err)
		}

		// Legacy threads order by coarse timestamp, so consecutive sends
		// must land in distinct seconds.
		if didSend && target.Kind == gateway.TargetPeer && i < len(entries)-1 {
			select {
			case <-time.After(e.cfg.LegacySendDelay):
			case <-ctx.Done():
				return e.renderWarnings(target, entries, rejections), ctx.Err()
			}
		}
	}

	warnings := e.renderWarnings(target, entries, rejections)
	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind: "sync.completed",
			Payload: CompletedEvent{
				Target:   target,
				Sent:     sent,
				Skipped:  skipped,
				Warnings: len(warnings),
			},
		})
	}
	e.logger.Info("reconciliation completed",
		zap.String("target", target.Key()),
		zap.Int("sent", sent),
		zap.Int("skipped", skipped),
		zap.Int("warnings", len(warnings)))
	return warnings, nil
}

type rejection struct {
	entry entry
	err   error
}

func containsIdentity(seen map[string]struct{}, id string) bool {
	if _, ok := seen[id]; ok {
		return true
	}
	seen[id] = struct{}{}
	return false
}

// dedupWindow fetches the normalized bodies of the current user's messages
// the server already has, covering the span a previous partially-failed run
// could have written into.
func (e *Engine) dedupWindow(ctx context.Context, target gateway.Target, firstCreatedAt int64) (map[string]struct{}, error) {
	timeFrom := (firstCreatedAt - e.cfg.RequestTimeout.Milliseconds() - e.cfg.DedupSafetyMargin.Milliseconds()) / 1000
	if timeFrom < 0 {
		timeFrom = 0
	}

	msgs, err := e.gw.FetchMessagesSince(ctx, target, timeFrom, true)
	if err != nil {
		if gateway.IsNoNewData(err) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}

	window := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.SenderID != e.cfg.SelfUserID {
			continue
		}
		window[gateway.NormalizeBody(m.Body)] = struct{}{}
	}
	return window, nil
}

func (e *Engine) send(ctx context.Context, target gateway.Target, body string) (*gateway.SendResult, error) {
	if target.Kind == gateway.TargetPeer {
		return e.gw.SendToPeer(ctx, target.ID, body)
	}
	return e.gw.SendToConversation(ctx, target.ID, body)
}

// abortConnectivity implements the flag handling for a run cut short by a
// connectivity failure: online at failure time means the failure was
// transient, so the offline flags are cleared; offline means the remaining
// entries are flagged for the reconnect trigger.
func (e *Engine) abortConnectivity(target gateway.Target, remaining []entry, cause error) error {
	flag := !e.tracker.IsOnline()
	if err := e.markOffline(target, remaining, flag); err != nil {
		e.logger.Warn("failed to update offline flags", zap.String("target", target.Key()), zap.Error(err))
	}
	e.publishFailed(target, cause)
	return cause
}

func (e *Engine) publishFailed(target gateway.Target, cause error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:    "sync.failed",
		Payload: FailedEvent{Target: target, Reason: gateway.Reason(cause)},
	})
}

func (e *Engine) load(target gateway.Target) ([]entry, error) {
	if target.Kind == gateway.TargetPeer {
		msgs, err := e.db.ListForPeer(target.ID)
		if err != nil {
			return nil, err
		}
		entries := make([]entry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, entry{body: m.BodyText, createdAt: m.CreatedAt, offline: m.QueuedWhileOffline})
		}
		return entries, nil
	}

	msgs, err := e.db.ListForConversation(target.ID)
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		snap := m.Snapshot
		entries = append(entries, entry{body: m.BodyText, createdAt: m.CreatedAt, offline: m.QueuedWhileOffline, snapshot: &snap})
	}
	return entries, nil
}

func (e *Engine) deleteEntry(target gateway.Target, q entry) error {
	if target.Kind == gateway.TargetPeer {
		return e.db.DeleteForPeer(target.ID, q.body, q.createdAt)
	}
	return e.db.DeleteForConversation(target.ID, q.body, q.createdAt)
}

func (e *Engine) markOffline(target gateway.Target, entries []entry, flag bool) error {
	if target.Kind == gateway.TargetPeer {
		msgs := make([]store.OutgoingMessage, 0, len(entries))
		for _, q := range entries {
			msgs = append(msgs, store.OutgoingMessage{RecipientUserID: target.ID, BodyText: q.body, CreatedAt: q.createdAt})
		}
		return e.db.MarkPeerDeviceOffline(msgs, flag)
	}
	msgs := make([]store.OutgoingConversationMessage, 0, len(entries))
	for _, q := range entries {
		msgs = append(msgs, store.OutgoingConversationMessage{ConversationID: target.ID, BodyText: q.body, CreatedAt: q.createdAt})
	}
	return e.db.MarkConversationDeviceOffline(msgs, flag)
}

// renderWarnings turns collected rejections into human-readable warnings.
func (e *Engine) renderWarnings(target gateway.Target, entries []entry, rejections []rejection) Warnings {
	if len(rejections) == 0 {
		return nil
	}
	name := e.displayName(target, entries)
	warnings := make(Warnings, 0, len(rejections))
	for _, r := range rejections {
		warnings = append(warnings, Warning{
			Target:  target,
			Message: fmt.Sprintf("Message to %s could not be delivered: %s", name, gateway.Reason(r.err)),
			Err:     r.err,
		})
	}
	return warnings
}

func (e *Engine) displayName(target gateway.Target, entries []entry) string {
	if target.Kind == gateway.TargetConversation {
		for _, q := range entries {
			if q.snapshot != nil && q.snapshot.Name != "" {
				return q.snapshot.Name
			}
		}
		if e.namer != nil {
			if n := e.namer.ConversationName(target.ID); n != "" {
				return n
			}
		}
		return target.String()
	}
	if e.namer != nil {
		if n := e.namer.PeerName(target.ID); n != "" {
			return n
		}
	}
	return target.String()
}
