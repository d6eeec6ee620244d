package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/briefcase-hq/chat-sync/internal/chat"
)

const (
	handshakeTimeout = 10 * time.Second

	// subscriberBuffer bounds the per-connection outbound queue. A
	// subscriber that cannot drain it is disconnected rather than
	// allowed to stall the broadcast path.
	subscriberBuffer = 64
)

// subscriber is one live channel attached to a conversation.
type subscriber struct {
	userID string
	out    chan []byte
	cancel context.CancelFunc
}

// Server exposes the ledger over the sync protocol: a WebSocket
// endpoint at /sync and REST endpoints under /v1. One instance serves
// local development and the end-to-end tests.
type Server struct {
	ledger *Ledger
	token  string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewServer wraps a ledger with the protocol surfaces. Clients must
// present token during the WebSocket handshake and as a bearer token on
// REST calls.
func NewServer(l *Ledger, token string, logger *slog.Logger) *Server {
	return &Server{
		ledger: l,
		token:  token,
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Handler returns the combined WebSocket and REST handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sync", s.handleSync)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/conversations/{conversation_id}/messages", s.handleHistory).
		Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conversation_id}/messages/{message_id}/reactions/{emoji}", s.handleAddReaction).
		Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conversation_id}/messages/{message_id}/reactions/{emoji}", s.handleRemoveReaction).
		Methods(http.MethodDelete)

	return r
}

// handleSync runs one channel session: handshake, resume, then frame
// dispatch until the client disconnects.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, ok := s.handshake(ctx, conn)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	conversationID, lastSeq, ok := s.readResume(ctx, conn)
	if !ok {
		return
	}

	sub := &subscriber{
		userID: userID,
		out:    make(chan []byte, subscriberBuffer),
		cancel: cancel,
	}

	// Subscribe before answering the resume so a message appended in
	// between is either covered by the answer or broadcast; the client
	// dedups the overlap.
	s.subscribe(conversationID, sub)
	defer s.unsubscribe(conversationID, sub)

	latest := s.ledger.LatestSeq(conversationID)
	if lastSeq >= latest {
		s.sendTo(ctx, conn, chat.ResumeOKFrame{Type: "resume.ok", LatestSeq: latest})
	} else {
		s.sendTo(ctx, conn, chat.ResumeGapFrame{
			Type:      "resume.gap",
			FromSeq:   lastSeq + 1,
			LatestSeq: latest,
		})
	}

	// Single writer per connection; everything outbound goes through
	// sub.out.
	go func() {
		for {
			select {
			case data := <-sub.out:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("subscriber attached",
		slog.String("conversation_id", conversationID),
		slog.String("user_id", userID),
	)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("subscriber detached",
				slog.String("conversation_id", conversationID),
				slog.String("user_id", userID),
			)

			return
		}

		s.dispatch(conversationID, userID, sub, data)
	}
}

// handshake validates the auth frame. Returns the authenticated user id.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (string, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return "", false
	}

	var auth chat.AuthFrame
	if err := json.Unmarshal(data, &auth); err != nil || auth.Type != "auth" {
		s.sendTo(hsCtx, conn, chat.AuthErrorFrame{Type: "auth.error", Message: "malformed auth frame"})
		return "", false
	}

	if auth.ProtocolVersion != chat.ProtocolVersion {
		s.sendTo(hsCtx, conn, chat.AuthErrorFrame{Type: "auth.error", Message: "unsupported protocol version"})
		return "", false
	}

	if auth.Token != s.token || auth.ClientInfo.UserID == "" {
		s.sendTo(hsCtx, conn, chat.AuthErrorFrame{Type: "auth.error", Message: "invalid credentials"})
		return "", false
	}

	s.sendTo(hsCtx, conn, chat.AuthOKFrame{Type: "auth.ok", UserID: auth.ClientInfo.UserID})

	return auth.ClientInfo.UserID, true
}

// readResume reads and validates the resume frame. The answer is sent
// by the caller once the subscription is live. Returns the conversation
// the session is bound to and the client's last known sequence.
func (s *Server) readResume(ctx context.Context, conn *websocket.Conn) (string, int64, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return "", 0, false
	}

	var resume chat.ResumeFrame
	if err := json.Unmarshal(data, &resume); err != nil || resume.Type != "resume" || resume.ConversationID == "" {
		s.sendTo(hsCtx, conn, chat.ErrorFrame{Type: "error", Message: "malformed resume frame"})
		return "", 0, false
	}

	return resume.ConversationID, resume.LastSeq, true
}

// dispatch routes one inbound frame from an attached subscriber.
func (s *Server) dispatch(conversationID, userID string, sub *subscriber, data []byte) {
	switch gjson.GetBytes(data, "type").Str {
	case "message.send":
		var f chat.SendFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.enqueue(sub, chat.ErrorFrame{Type: "error", Message: "malformed message.send frame"})
			return
		}

		if f.ConversationID != conversationID {
			s.enqueue(sub, chat.ErrorFrame{Type: "error", Message: "conversation mismatch"})
			return
		}

		msg, duplicate := s.ledger.Append(conversationID, AppendRequest{
			ClientID:         f.ClientID,
			Role:             chat.RoleUser,
			Content:          f.Content,
			UserID:           userID,
			ReplyToMessageID: f.ReplyToMessageID,
			Attachments:      f.Attachments,
			Metadata:         f.Metadata,
		})

		// The ack goes to the sender either way; a duplicate client id
		// re-acknowledges the original identity.
		s.enqueue(sub, chat.MessageAckFrame{
			Type:      "message.ack",
			ClientID:  msg.ClientID,
			MessageID: msg.ID,
			Seq:       msg.Seq,
			ServerTS:  msg.ServerTS,
		})

		if !duplicate {
			s.broadcast(conversationID, chat.MessageNewFrame{
				Type:             "message.new",
				ConversationID:   conversationID,
				MessageID:        msg.ID,
				ClientID:         msg.ClientID,
				Role:             msg.Role,
				Content:          msg.Content,
				ServerTS:         msg.ServerTS,
				Seq:              msg.Seq,
				UserID:           msg.UserID,
				ReplyToMessageID: msg.ReplyToMessageID,
				Attachments:      msg.Attachments,
				Metadata:         msg.Metadata,
			})
		}

	case "read.update":
		var f chat.ReadUpdateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}

		s.ledger.SetReadCursor(f.ConversationID, userID, f.LastReadSeq)

	case "ping":
		s.enqueue(sub, struct {
			Type string `json:"type"`
		}{Type: "pong"})

	default:
		s.enqueue(sub, chat.ErrorFrame{Type: "error", Message: "unknown frame type"})
	}
}

func (s *Server) subscribe(conversationID string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[*subscriber]struct{})
	}

	s.subs[conversationID][sub] = struct{}{}
}

func (s *Server) unsubscribe(conversationID string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs[conversationID], sub)
}

// broadcast queues a frame to every subscriber of a conversation. A
// subscriber with a full queue is cut loose; it will reconnect and
// resume.
func (s *Server) broadcast(conversationID string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshalling broadcast frame", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs[conversationID] {
		select {
		case sub.out <- data:
		default:
			s.logger.Warn("dropping slow subscriber", slog.String("user_id", sub.userID))
			sub.cancel()
		}
	}
}

func (s *Server) enqueue(sub *subscriber, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshalling frame", slog.String("error", err.Error()))
		return
	}

	select {
	case sub.out <- data:
	default:
		sub.cancel()
	}
}

// sendTo writes directly to the connection. Only valid during the
// handshake phase, before the writer goroutine starts.
func (s *Server) sendTo(ctx context.Context, conn *websocket.Conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("handshake write failed", slog.String("error", err.Error()))
	}
}

// REST surface.

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if r.Header.Get("X-User-ID") == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing user id")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	viewerID := r.Header.Get("X-User-ID")

	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page := s.ledger.History(vars["conversation_id"], viewerID, fromSeq, limit)

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	s.handleReaction(w, r, chat.ReactionActionAdd)
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	s.handleReaction(w, r, chat.ReactionActionRemove)
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request, action string) {
	vars := mux.Vars(r)
	conversationID := vars["conversation_id"]
	messageID := vars["message_id"]
	emoji := vars["emoji"]
	userID := r.Header.Get("X-User-ID")

	if !s.ledger.HasMessage(conversationID, messageID) {
		writeJSONError(w, http.StatusNotFound, "message not found")
		return
	}

	var (
		count   int
		changed bool
	)

	if action == chat.ReactionActionAdd {
		count, changed = s.ledger.AddReaction(conversationID, messageID, emoji, userID)
	} else {
		count, changed = s.ledger.RemoveReaction(conversationID, messageID, emoji, userID)
	}

	if changed {
		s.broadcast(conversationID, chat.ReactionUpdateFrame{
			Type:           "reaction.update",
			ConversationID: conversationID,
			MessageID:      messageID,
			Emoji:          emoji,
			Action:         action,
			UserID:         userID,
			Count:          count,
		})
	}

	writeJSON(w, http.StatusOK, chat.ReactionListResponse{
		MessageID: messageID,
		Reactions: s.ledger.ReactionList(conversationID, messageID, userID),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, chat.APIError{Error: msg})
}
