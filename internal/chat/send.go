package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	cherrors "github.com/briefcase-hq/chat-sync/internal/errors"
)

// placeholderIDPrefix marks synthetic ids assigned to optimistic
// placeholders before the server allocates the real message id.
const placeholderIDPrefix = "pending-"

// SendRequest is one outbound message. Content is required; everything
// else is optional.
type SendRequest struct {
	Content          string
	ReplyToMessageID string
	Attachments      []string
	Metadata         map[string]string
}

// SendResult reports the server-assigned identity of an acknowledged
// message.
type SendResult struct {
	MessageID string
	ClientID  string
	Seq       int64
	ServerTS  int64
}

// Send delivers one message through the optimistic pipeline: a
// placeholder appears in the view immediately, the frame goes out once
// the channel is ready, and the call blocks until the server
// acknowledgment assigns the durable identity.
//
// On any failure (validation, readiness timeout, write error, ack
// timeout) the placeholder is removed and the error returned; nothing
// half-sent lingers in the view. The server deduplicates retries by
// ClientID, so a timed-out send that actually landed converges through
// the broadcast stream without a duplicate.
func (s *SyncClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, cherrors.ErrEmptyContent
	}

	conversationID := s.target()
	if conversationID == "" {
		return nil, cherrors.ErrNoConversation
	}

	clientID := uuid.NewString()

	placeholder := Message{
		ID:               placeholderIDPrefix + clientID,
		ClientID:         clientID,
		Role:             RoleUser,
		Content:          req.Content,
		UserID:           s.userID,
		ReplyToMessageID: req.ReplyToMessageID,
		Attachments:      append([]string(nil), req.Attachments...),
		Metadata:         cloneMetadata(req.Metadata),
		LocalTS:          time.Now().UnixMilli(),
		Pending:          true,
	}

	s.view.InsertPlaceholder(placeholder)
	s.notifyView()

	ack := s.registerPending(clientID)

	if err := s.awaitReady(ctx); err != nil {
		return nil, s.abandonSend(clientID, err)
	}

	conn, ready, _ := s.session()
	if conn == nil || !ready {
		return nil, s.abandonSend(clientID, cherrors.ErrConnectionClosed)
	}

	frame := SendFrame{
		Type:             "message.send",
		ConversationID:   conversationID,
		ClientID:         clientID,
		Content:          req.Content,
		ReplyToMessageID: req.ReplyToMessageID,
		Attachments:      req.Attachments,
		Metadata:         req.Metadata,
	}
	if err := s.writeJSON(ctx, conn, frame); err != nil {
		return nil, s.abandonSend(clientID, fmt.Errorf("sending message: %w", err))
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case res := <-ack.ch:
		if res.err != nil {
			return nil, s.abandonSend(clientID, res.err)
		}

		return &SendResult{
			MessageID: res.messageID,
			ClientID:  clientID,
			Seq:       res.seq,
			ServerTS:  res.serverTS,
		}, nil

	case <-timer.C:
		return nil, s.abandonSend(clientID, cherrors.ErrAckTimeout)

	case <-ctx.Done():
		return nil, s.abandonSend(clientID, ctx.Err())
	}
}

// abandonSend rolls back a failed send: the pending entry is dropped
// and the placeholder leaves the view.
func (s *SyncClient) abandonSend(clientID string, err error) error {
	s.unregisterPending(clientID)

	if s.view.RemovePlaceholder(clientID) {
		s.notifyView()
	}

	return err
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
