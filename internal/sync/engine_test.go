package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mfigueiredo/msgsync/internal/bus"
	"github.com/mfigueiredo/msgsync/internal/gateway"
	"github.com/mfigueiredo/msgsync/internal/status"
	"github.com/mfigueiredo/msgsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type sendCall struct {
	Target gateway.Target
	Body   string
}

// mockGateway records sends and returns configurable results.
type mockGateway struct {
	mu        sync.Mutex
	sends     []sendCall
	sendErr   map[string]error // keyed by normalized body
	window    []gateway.Message
	windowErr error
	sendDelay time.Duration
	nextID    int64
}

func (m *mockGateway) sendCalls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.sends...)
}

func (m *mockGateway) doSend(target gateway.Target, body string) (*gateway.SendResult, error) {
	m.mu.Lock()
	m.sends = append(m.sends, sendCall{Target: target, Body: body})
	err := m.sendErr[body]
	m.nextID++
	id := m.nextID
	delay := m.sendDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &gateway.SendResult{ServerID: id, CreatedAt: time.Now().UnixMilli(), Accepted: true}, nil
}

func (m *mockGateway) SendToPeer(_ context.Context, peerID int64, body string) (*gateway.SendResult, error) {
	return m.doSend(gateway.Peer(peerID), body)
}

func (m *mockGateway) SendToConversation(_ context.Context, conversationID int64, body string) (*gateway.SendResult, error) {
	return m.doSend(gateway.Conversation(conversationID), body)
}

func (m *mockGateway) FetchMessages(context.Context, gateway.Target, int, int, int64, bool) (*gateway.FetchResult, error) {
	return &gateway.FetchResult{}, nil
}

func (m *mockGateway) FetchMessagesSince(context.Context, gateway.Target, int64, bool) ([]gateway.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowErr != nil {
		return nil, m.windowErr
	}
	return m.window, nil
}

func (m *mockGateway) MarkRead(context.Context, gateway.Target, int64) error { return nil }
func (m *mockGateway) Invalidate(string)                                     {}

func onlineTracker() *status.Tracker {
	tr := status.NewTracker(nil)
	tr.SetOnline(true)
	return tr
}

func testEngine(t *testing.T, db *store.DB, gw gateway.RemoteGateway, tr *status.Tracker) *Engine {
	t.Helper()
	return NewEngine(db, gw, tr, bus.New(), nil, zap.NewNop(), Config{
		SelfUserID:      1,
		LegacySendDelay: time.Millisecond,
	})
}

func queuePeer(t *testing.T, db *store.DB, peerID int64, body string, createdAt int64) {
	t.Helper()
	if err := db.SaveForPeer(&store.OutgoingMessage{RecipientUserID: peerID, SenderUserID: 1, BodyText: body, CreatedAt: createdAt}); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileDrainsQueueInOrder(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "third", 3000)
	queuePeer(t, db, 5, "first", 1000)
	queuePeer(t, db, 5, "second", 2000)

	warnings, err := e.Reconcile(context.Background(), gateway.Peer(5))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("got %d warnings, want 0", len(warnings))
	}

	calls := gw.sendCalls()
	if len(calls) != 3 {
		t.Fatalf("got %d sends, want 3", len(calls))
	}
	want := []string{"<p>first</p>", "<p>second</p>", "<p>third</p>"}
	for i, w := range want {
		if calls[i].Body != w {
			t.Errorf("send %d = %q, want %q", i, calls[i].Body, w)
		}
	}

	left, err := db.ListForPeer(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("queue holds %d entries after run, want 0", len(left))
	}
}

func TestReconcileEmptyQueueIsNoop(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{}
	e := testEngine(t, db, gw, onlineTracker())

	warnings, err := e.Reconcile(context.Background(), gateway.Peer(5))
	if err != nil || len(warnings) != 0 {
		t.Errorf("Reconcile() = (%v, %v), want (nil, nil)", warnings, err)
	}
	if len(gw.sendCalls()) != 0 {
		t.Error("gateway should not be called for an empty queue")
	}
}

func TestReconcileSkipsAlreadyDelivered(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{
		window: []gateway.Message{
			{ID: 100, SenderID: 1, Body: "<p>second</p>", CreatedAt: 2000},
			// Someone else's identical text must not count.
			{ID: 101, SenderID: 2, Body: "<p>first</p>", CreatedAt: 1000},
		},
	}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "first", 1000)
	queuePeer(t, db, 5, "second", 2000)

	if _, err := e.Reconcile(context.Background(), gateway.Peer(5)); err != nil {
		t.Fatal(err)
	}

	calls := gw.sendCalls()
	if len(calls) != 1 || calls[0].Body != "<p>first</p>" {
		t.Errorf("sends = %+v, want only <p>first</p>", calls)
	}

	// The skipped duplicate must still leave the queue.
	left, err := db.ListForPeer(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("queue holds %d entries, want 0 (duplicate deleted without resend)", len(left))
	}
}

func TestReconcileNoNewDataIsEmptyWindow(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{windowErr: grpcstatus.Error(codes.NotFound, "no new messages")}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "hello", 1000)

	if _, err := e.Reconcile(context.Background(), gateway.Peer(5)); err != nil {
		t.Fatalf("no-new-data should not fail the run: %v", err)
	}
	if len(gw.sendCalls()) != 1 {
		t.Errorf("got %d sends, want 1", len(gw.sendCalls()))
	}
}

func TestReconcileOfflineAbortsWithoutNetwork(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{}
	tr := status.NewTracker(nil) // stays offline
	e := testEngine(t, db, gw, tr)

	queuePeer(t, db, 5, "hello", 1000)

	_, err := e.Reconcile(context.Background(), gateway.Peer(5))
	if err == nil {
		t.Fatal("Reconcile() should fail while offline")
	}
	if !gateway.IsConnectivity(err) {
		t.Errorf("offline error should classify as connectivity: %v", err)
	}
	if len(gw.sendCalls()) != 0 {
		t.Error("gateway must not be invoked while offline")
	}

	left, err := db.ListForPeer(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || !left[0].QueuedWhileOffline {
		t.Errorf("entry should remain queued and flagged offline: %+v", left)
	}
}

func TestPartialFailureServerRejected(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{
		sendErr: map[string]error{
			"<p>second</p>": grpcstatus.Error(codes.PermissionDenied, "recipient blocked"),
		},
	}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "first", 1000)
	queuePeer(t, db, 5, "second", 2000)
	queuePeer(t, db, 5, "third", 3000)

	warnings, err := e.Reconcile(context.Background(), gateway.Peer(5))
	if err != nil {
		t.Fatalf("a rejection must not abort the run: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if warnings[0].Message == "" || warnings[0].Err == nil {
		t.Errorf("warning not rendered: %+v", warnings[0])
	}

	if got := len(gw.sendCalls()); got != 3 {
		t.Errorf("got %d send attempts, want 3", got)
	}

	left, err := db.ListForPeer(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("queue holds %d entries after run, want 0", len(left))
	}
}

func TestWarningsDeduplicatedByErrorIdentity(t *testing.T) {
	db := testDB(t)
	rejected := grpcstatus.Error(codes.PermissionDenied, "recipient blocked")
	gw := &mockGateway{
		sendErr: map[string]error{
			"<p>first</p>":  rejected,
			"<p>second</p>": rejected,
		},
	}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "first", 1000)
	queuePeer(t, db, 5, "second", 2000)

	warnings, err := e.Reconcile(context.Background(), gateway.Peer(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Errorf("got %d warnings, want 1 (deduplicated by error identity)", len(warnings))
	}
}

func TestConnectivityFailureMidRunAborts(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{
		sendErr: map[string]error{
			"<p>second</p>": grpcstatus.Error(codes.Unavailable, "connection lost"),
		},
	}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "first", 1000)
	queuePeer(t, db, 5, "second", 2000)
	queuePeer(t, db, 5, "third", 3000)

	_, err := e.Reconcile(context.Background(), gateway.Peer(5))
	if err == nil {
		t.Fatal("connectivity failure must abort the run")
	}
	if !gateway.IsConnectivity(err) {
		t.Errorf("error should classify as connectivity: %v", err)
	}

	// Third message must not have been attempted: ordering is preserved by
	// aborting, not by skipping ahead.
	calls := gw.sendCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d sends, want 2", len(calls))
	}

	left, err := db.ListForPeer(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("queue holds %d entries, want 2 (second and third)", len(left))
	}
	// Device was online at failure time, so the transient failure clears
	// the offline flags.
	for _, m := range left {
		if m.QueuedWhileOffline {
			t.Errorf("entry %q should not be flagged offline after transient failure", m.BodyText)
		}
	}
}

func TestMutualExclusionSharesResult(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{sendDelay: 100 * time.Millisecond}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "only", 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Reconcile(context.Background(), gateway.Peer(5))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d error = %v", i, err)
		}
	}
	if got := len(gw.sendCalls()); got != 1 {
		t.Errorf("got %d sends, want 1 (second caller must attach to the in-flight run)", got)
	}
}

func TestConversationReconcileUsesSnapshot(t *testing.T) {
	db := testDB(t)
	rejected := grpcstatus.Error(codes.PermissionDenied, "posting disabled")
	gw := &mockGateway{sendErr: map[string]error{"<p>hello</p>": rejected}}
	e := testEngine(t, db, gw, onlineTracker())

	if err := db.SaveForConversation(&store.OutgoingConversationMessage{
		ConversationID: 9,
		BodyText:       "hello",
		CreatedAt:      1000,
		Snapshot:       store.ConversationSnapshot{Name: "Team Chat", Type: store.ConversationGroup},
	}); err != nil {
		t.Fatal(err)
	}

	warnings, err := e.Reconcile(context.Background(), gateway.Conversation(9))
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	want := "Message to Team Chat could not be delivered: posting disabled"
	if warnings[0].Message != want {
		t.Errorf("warning = %q, want %q", warnings[0].Message, want)
	}
}

func TestReconcileAllGroupsByTarget(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "to peer", 1000)
	if err := db.SaveForConversation(&store.OutgoingConversationMessage{ConversationID: 9, BodyText: "to conversation", CreatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	warnings, err := e.ReconcileAll(context.Background(), false)
	if err != nil {
		t.Fatalf("ReconcileAll() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("got %d warnings, want 0", len(warnings))
	}

	targets := make(map[string]bool)
	for _, c := range gw.sendCalls() {
		targets[c.Target.Key()] = true
	}
	if !targets["peer:5"] || !targets["conversation:9"] {
		t.Errorf("sends covered targets %v, want peer:5 and conversation:9", targets)
	}
}

func TestReconcileAllOnlyDeviceOffline(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "composed online", 1000)
	if err := db.SaveForPeer(&store.OutgoingMessage{RecipientUserID: 6, SenderUserID: 1, BodyText: "composed offline", CreatedAt: 2000, QueuedWhileOffline: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ReconcileAll(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	for _, c := range gw.sendCalls() {
		if c.Target.Key() == "peer:5" {
			t.Error("online-composed target should not be replayed on the offline-only pass")
		}
	}
}

func TestInFlight(t *testing.T) {
	db := testDB(t)
	gw := &mockGateway{sendDelay: 150 * time.Millisecond}
	e := testEngine(t, db, gw, onlineTracker())

	queuePeer(t, db, 5, "slow", 1000)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Reconcile(context.Background(), gateway.Peer(5))
	}()

	// Wait for the run to start.
	deadline := time.Now().Add(time.Second)
	for !e.InFlight(gateway.Peer(5)) {
		if time.Now().After(deadline) {
			t.Fatal("reconciliation never became in-flight")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if e.InFlight(gateway.Conversation(5)) {
		t.Error("conversation:5 must not report in-flight for peer:5's run")
	}

	<-done
	if e.InFlight(gateway.Peer(5)) {
		t.Error("InFlight should clear after the run completes")
	}
}
