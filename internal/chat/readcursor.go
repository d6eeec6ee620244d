package chat

import (
	"context"
	"log/slog"
)

// advanceReadCursor records the highest sequence number observed this
// session and propagates it to the server. The cursor only moves
// forward; stale or duplicate observations are no-ops. When the channel
// is not ready the advance is remembered and flushed on the next
// successful attach.
func (s *SyncClient) advanceReadCursor(ctx context.Context, seq int64) {
	if seq <= 0 {
		return
	}

	s.readMu.Lock()
	if seq <= s.lastReadSeq {
		s.readMu.Unlock()
		return
	}

	s.lastReadSeq = seq
	s.readMu.Unlock()

	conn, ready, conversationID := s.session()
	if conn == nil || !ready || conversationID == "" {
		return
	}

	s.transmitReadCursor(ctx, conn, conversationID, seq)
}

// flushReadCursor re-sends a read position that advanced while the
// channel was down. Called once per successful attach.
func (s *SyncClient) flushReadCursor(ctx context.Context, conn wsConn, conversationID string) {
	s.readMu.Lock()
	seq := s.lastReadSeq
	sent := s.lastSentReadSeq
	s.readMu.Unlock()

	if seq <= sent || seq <= 0 {
		return
	}

	s.transmitReadCursor(ctx, conn, conversationID, seq)
}

// transmitReadCursor writes a read.update frame. Best effort: a write
// failure here means the connection is dying and the reconnect path
// will flush again.
func (s *SyncClient) transmitReadCursor(ctx context.Context, conn wsConn, conversationID string, seq int64) {
	frame := ReadUpdateFrame{
		Type:           "read.update",
		ConversationID: conversationID,
		LastReadSeq:    seq,
	}
	if err := s.writeJSON(ctx, conn, frame); err != nil {
		s.logger.Debug("read cursor update failed", slog.String("error", err.Error()))
		return
	}

	s.readMu.Lock()
	if seq > s.lastSentReadSeq {
		s.lastSentReadSeq = seq
	}
	s.readMu.Unlock()
}

// resetReadCursor clears per-conversation read state on a switch.
func (s *SyncClient) resetReadCursor() {
	s.readMu.Lock()
	s.lastReadSeq = 0
	s.lastSentReadSeq = 0
	s.readMu.Unlock()
}

// LastReadSeq returns the highest sequence number observed locally this
// session.
func (s *SyncClient) LastReadSeq() int64 {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	return s.lastReadSeq
}
