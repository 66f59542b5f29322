package outbox

import (
	"context"
	"time"

	"github.com/mfigueiredo/msgsync/internal/bus"
	"github.com/mfigueiredo/msgsync/internal/gateway"
	"github.com/mfigueiredo/msgsync/internal/status"
	"github.com/mfigueiredo/msgsync/internal/store"
	"go.uber.org/zap"
)

// Submitter is the write path for composed messages: every submission is
// stored durably first, then sent best-effort. The queue entry is removed
// only when the server confirms the send; on a connectivity failure it
// stays queued for the sync engine to replay.
type Submitter struct {
	db      *store.DB
	gw      gateway.RemoteGateway
	tracker *status.Tracker
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  int64
}

// NewSubmitter creates a submitter for the current user.
func NewSubmitter(db *store.DB, gw gateway.RemoteGateway, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger, selfUserID int64) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{db: db, gw: gw, tracker: tracker, bus: b, logger: logger, selfID: selfUserID}
}

// SubmitToPeer queues a message for a legacy two-party thread and attempts
// an immediate send. The returned entry reflects the stored state; Sent
// reports whether the immediate attempt succeeded.
func (s *Submitter) SubmitToPeer(ctx context.Context, peerID int64, body string) (*store.OutgoingMessage, bool, error) {
	offline := !s.tracker.IsOnline()
	m := &store.OutgoingMessage{
		RecipientUserID:    peerID,
		SenderUserID:       s.selfID,
		BodyText:           body,
		CreatedAt:          time.Now().UnixMilli(),
		QueuedWhileOffline: offline,
	}
	if err := s.db.SaveForPeer(m); err != nil {
		return nil, false, err
	}
	if offline {
		return m, false, nil
	}

	_, err := s.gw.SendToPeer(ctx, peerID, gateway.NormalizeBody(body))
	sent, err := s.settle(gateway.Peer(peerID), m.BodyText, m.CreatedAt, err, func() error {
		return s.db.MarkPeerDeviceOffline([]store.OutgoingMessage{*m}, true)
	})
	return m, sent, err
}

// SubmitToConversation queues a message for a conversation, capturing the
// snapshot for threads the server may not know yet, and attempts an
// immediate send.
func (s *Submitter) SubmitToConversation(ctx context.Context, conversationID int64, body string, snapshot store.ConversationSnapshot) (*store.OutgoingConversationMessage, bool, error) {
	offline := !s.tracker.IsOnline()
	m := &store.OutgoingConversationMessage{
		ConversationID:     conversationID,
		BodyText:           body,
		CreatedAt:          time.Now().UnixMilli(),
		QueuedWhileOffline: offline,
		Snapshot:           snapshot,
	}
	if err := s.db.SaveForConversation(m); err != nil {
		return nil, false, err
	}
	if offline {
		return m, false, nil
	}

	_, err := s.gw.SendToConversation(ctx, conversationID, gateway.NormalizeBody(body))
	sent, err := s.settle(gateway.Conversation(conversationID), m.BodyText, m.CreatedAt, err, func() error {
		return s.db.MarkConversationDeviceOffline([]store.OutgoingConversationMessage{*m}, true)
	})
	return m, sent, err
}

// settle resolves the immediate-send outcome against the store. Confirmed
// and server-rejected messages leave the queue (a rejection will never
// succeed on retry); connectivity failures keep the entry queued.
func (s *Submitter) settle(target gateway.Target, body string, createdAt int64, sendErr error, flagOffline func() error) (bool, error) {
	if sendErr == nil {
		if err := s.deleteEntry(target, body, createdAt); err != nil {
			return true, err
		}
		s.publish("conversation.counts_changed", target)
		return true, nil
	}

	if gateway.IsConnectivity(sendErr) {
		if !s.tracker.IsOnline() {
			if err := flagOffline(); err != nil {
				s.logger.Warn("failed to flag entry offline", zap.String("target", target.Key()), zap.Error(err))
			}
		}
		s.logger.Info("immediate send failed, message stays queued",
			zap.String("target", target.Key()), zap.Error(sendErr))
		return false, nil
	}

	// Server rejected: the entry must not linger in the queue.
	if err := s.deleteEntry(target, body, createdAt); err != nil {
		s.logger.Warn("failed to remove rejected entry", zap.String("target", target.Key()), zap.Error(err))
	}
	return false, sendErr
}

func (s *Submitter) deleteEntry(target gateway.Target, body string, createdAt int64) error {
	if target.Kind == gateway.TargetPeer {
		return s.db.DeleteForPeer(target.ID, body, createdAt)
	}
	return s.db.DeleteForConversation(target.ID, body, createdAt)
}

func (s *Submitter) publish(kind string, target gateway.Target) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Payload: target})
}
