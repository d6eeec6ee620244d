package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	cherrors "github.com/briefcase-hq/chat-sync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	// sessionReadyTimeout bounds how long a send waits for the channel
	// to authenticate; ackTimeout bounds the wait for the server
	// acknowledgment after the frame is on the wire.
	sessionReadyTimeout = 8 * time.Second
	ackTimeout          = 8 * time.Second

	// Reconnect backoff grows linearly with the attempt counter and is
	// capped, so a flapping network settles into a 5s retry cadence.
	// Attempts are unbounded; only detach stops the retry loop.
	reconnectStep = time.Second
	reconnectMax  = 5 * time.Second

	// wsReadLimit caps inbound frame size. Conversation frames are
	// small JSON; anything larger is a protocol violation.
	wsReadLimit = 1024 * 1024

	// inboundChanSize buffers the reader goroutine so a burst of
	// broadcasts does not block the socket read loop.
	inboundChanSize = 64
)

// inboundMsg wraps a frame read from the channel by a reader goroutine.
// The epoch identifies which socket produced it; the event loop discards
// frames from superseded sockets.
type inboundMsg struct {
	epoch int64
	typ   websocket.MessageType
	data  []byte
	err   error
}

// ackResult resolves a pending acknowledgment.
type ackResult struct {
	messageID string
	seq       int64
	serverTS  int64
	err       error
}

// pendingAck tracks one in-flight send from transmit until ack, error
// or timeout. At most one exists per correlation id.
type pendingAck struct {
	clientID string
	ch       chan ackResult
}

//go:generate mockgen -source=sync.go -destination=mock_conn_test.go -package=chat wsConn

// wsConn abstracts the WebSocket connection so SyncClient can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// SyncClient keeps one conversation view consistent with the server
// over an unreliable channel.
//
// Architecture: a reader goroutine per socket feeds inboundCh with
// epoch-tagged frames. A single event loop goroutine (Listen) processes
// inbound frames and heartbeat ticks, and owns reconnection. Writes are
// serialized by writeMu so the send pipeline and the read-cursor
// propagator can transmit without routing through the loop.
type SyncClient struct {
	api       *Client
	logger    *slog.Logger
	observer  Observer
	snapshots SnapshotStore

	host     string
	token    string
	tenantID string
	userID   string
	device   string

	// dial is swapped out in tests.
	dial func(ctx context.Context) (wsConn, error)

	lifecycle *lifecycle
	view      *View

	// attachMu serializes Attach so two callers cannot race handshakes.
	attachMu sync.Mutex

	// mu guards the connection session: epoch, target, socket, gates.
	mu             sync.Mutex
	epoch          int64
	conversationID string
	conn           wsConn
	connCancel     context.CancelFunc
	ready          bool
	readyCh        chan struct{}
	detached       bool
	disposed       bool
	attempt        int

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingAck

	readMu          sync.Mutex
	lastReadSeq     int64
	lastSentReadSeq int64

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	inboundCh chan inboundMsg
}

// SyncConfig holds the parameters needed to attach to the conversation
// backend.
type SyncConfig struct {
	// Host is the sync endpoint. A bare host dials wss://<host>/sync;
	// a value containing "://" is used verbatim (tests, plaintext dev).
	Host     string
	Token    string
	TenantID string
	UserID   string
	Device   string

	// API serves history fetch and reactions.
	API *Client

	// Snapshots is optional; nil disables the local cache.
	Snapshots SnapshotStore

	// Observer is optional; nil installs a no-op observer.
	Observer Observer
}

// NewSyncClient creates a SyncClient from the given config.
func NewSyncClient(cfg SyncConfig, logger *slog.Logger) *SyncClient {
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	s := &SyncClient{
		api:       cfg.API,
		logger:    logger,
		observer:  obs,
		snapshots: cfg.Snapshots,
		host:      cfg.Host,
		token:     cfg.Token,
		tenantID:  cfg.TenantID,
		userID:    cfg.UserID,
		device:    cfg.Device,
		lifecycle: newLifecycle(logger, obs),
		view:      NewView(),
		readyCh:   make(chan struct{}),
		pending:   make(map[string]*pendingAck),
		inboundCh: make(chan inboundMsg, inboundChanSize),
	}
	s.dial = s.dialChannel

	return s
}

// Attach binds the client to a conversation and brings the channel up:
// handshake, then a resume request carrying the last known sequence
// number. It is a no-op when already ready for the same conversation on
// a live socket. Attaching to a different conversation resets the view
// and supersedes the old socket via a new epoch.
//
// Authentication errors are fatal for this attempt and are not retried;
// the caller must re-establish identity and attach again. Network
// errors are retried by Listen once it is running.
func (s *SyncClient) Attach(ctx context.Context, conversationID string) error {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		return cherrors.ErrDisposed
	}

	if s.ready && s.conn != nil && s.conversationID == conversationID {
		s.mu.Unlock()
		return nil
	}

	switching := s.conversationID != conversationID

	// Supersede any existing socket. Events it still produces carry the
	// old epoch and will be discarded by the event loop.
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	oldConn := s.conn
	s.conn = nil
	s.setNotReadyLocked()
	s.epoch++
	epoch := s.epoch
	s.conversationID = conversationID
	s.detached = false
	s.mu.Unlock()

	if oldConn != nil {
		oldConn.Close(websocket.StatusNormalClosure, "reattach")
	}

	if switching {
		s.view.Reset()
		s.resetReadCursor()
		s.bootstrapFromSnapshot(conversationID)
	}

	switch s.lifecycle.state() {
	case StateDisconnected, StateReconnectScheduled:
	default:
		s.lifecycle.reset()
	}

	s.lifecycle.fire(triggerConnect)

	conn, err := s.dial(ctx)
	if err != nil {
		s.lifecycle.reset()
		return fmt.Errorf("dialing channel: %w", err)
	}

	s.lifecycle.fire(triggerAuthenticate)

	if err := s.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		s.lifecycle.reset()

		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	s.mu.Lock()

	if s.epoch != epoch || s.disposed || s.detached {
		// A racing attach, detach or dispose superseded us while
		// dialing.
		s.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")

		return cherrors.ErrConnectionClosed
	}

	s.conn = conn
	s.connCancel = connCancel
	s.attempt = 0
	s.ready = true
	close(s.readyCh)
	lastSeq := s.view.LatestSeq()
	s.mu.Unlock()

	s.lifecycle.fire(triggerAuthOK)
	s.touchLastMessage()
	s.startReader(connCtx, conn, epoch)

	s.logger.Info("channel ready",
		slog.String("conversation_id", conversationID),
		slog.Int64("epoch", epoch),
		slog.Int64("last_seq", lastSeq),
	)

	resume := ResumeFrame{
		Type:           "resume",
		ConversationID: conversationID,
		LastSeq:        lastSeq,
	}
	if err := s.writeJSON(ctx, conn, resume); err != nil {
		return fmt.Errorf("sending resume: %w", err)
	}

	s.flushReadCursor(ctx, conn, conversationID)

	return nil
}

// dialChannel opens the WebSocket to the sync endpoint.
func (s *SyncClient) dialChannel(ctx context.Context) (wsConn, error) {
	u := s.host
	if !strings.Contains(u, "://") {
		u = "wss://" + u + "/sync"
	}

	s.logger.Debug("connecting", slog.String("url", u))

	conn, _, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// handshake sends the auth frame and waits for the server verdict.
// Runs before the reader goroutine starts, so it reads the connection
// directly.
func (s *SyncClient) handshake(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(wsReadLimit)

	authCtx, cancel := context.WithTimeout(ctx, sessionReadyTimeout)
	defer cancel()

	auth := AuthFrame{
		Type:            "auth",
		ProtocolVersion: ProtocolVersion,
		Token:           s.token,
		ClientInfo: ClientInfo{
			Device:   s.device,
			TenantID: s.tenantID,
			UserID:   s.userID,
		},
	}
	if err := s.writeJSON(authCtx, conn, auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	switch gjson.GetBytes(data, "type").Str {
	case "auth.ok":
		return nil

	case "auth.error":
		var f AuthErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return &AuthError{Message: "unreadable auth.error frame"}
		}

		return &AuthError{Message: f.Message}

	default:
		return &ProtocolError{Message: "unexpected frame during handshake"}
	}
}

// startReader launches a goroutine that reads from the socket and feeds
// inboundCh with epoch-tagged frames. Exits when connCtx is cancelled or
// a read error occurs; the error is delivered as the final message so
// the event loop observes the close.
func (s *SyncClient) startReader(connCtx context.Context, conn wsConn, epoch int64) {
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case s.inboundCh <- inboundMsg{epoch: epoch, typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It processes
// inbound frames and heartbeat ticks until the context is cancelled,
// the client detaches, or an unrecoverable error occurs. Network drops
// trigger reconnect with bounded backoff and a fresh resume; auth
// failures are returned to the caller.
func (s *SyncClient) Listen(ctx context.Context) error {
	for {
		if conn, ready, _ := s.session(); conn == nil || !ready {
			if s.isDetached() || s.target() == "" {
				return nil
			}

			// The previous attach failed or never happened; drive the
			// reconnect loop before processing events.
			if err := s.reconnect(ctx); err != nil {
				return err
			}
		}

		err := s.eventLoop(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.isDetached() {
			return nil
		}

		s.markDisconnected()
		s.logger.Warn("connection lost", slog.String("error", err.Error()))
		s.observer.SyncError(err)

		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}
}

// reconnect retries Attach with backoff until it succeeds, the caller
// detaches, or an auth error makes retrying pointless.
func (s *SyncClient) reconnect(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.attempt++
		attempt := s.attempt
		s.mu.Unlock()

		backoff := min(time.Duration(attempt)*reconnectStep, reconnectMax)

		s.lifecycle.fire(triggerScheduleReconnect)
		s.logger.Info("reconnect scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if s.isDetached() {
			return nil
		}

		convID := s.target()
		if convID == "" {
			return nil
		}

		err := s.Attach(ctx, convID)
		if err == nil {
			s.logger.Info("reconnected")
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if IsAuthError(err) {
			return err
		}

		s.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		s.lifecycle.reset()
	}
}

// eventLoop processes inbound frames for the current epoch plus
// heartbeat ticks. Returns a non-nil error when the connection died and
// a reconnect is needed, nil only on context cancellation via detach.
func (s *SyncClient) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.epoch != s.currentEpoch() {
				// Slow-closing superseded socket; never let it touch
				// current state.
				continue
			}

			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := s.handleInbound(ctx, msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			conn, ready, _ := s.session()
			if conn == nil || !ready {
				continue
			}

			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, conn, PingFrame{Type: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound routes a single text frame from the current socket.
// Malformed frames are dropped and logged; only connection-level
// conditions return an error.
func (s *SyncClient) handleInbound(ctx context.Context, data []byte) error {
	switch gjson.GetBytes(data, "type").Str {
	case "pong":
		return nil

	case "message.new":
		var f MessageNewFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropFrame("message.new", err)
			return nil
		}

		if f.ConversationID != s.target() {
			return nil
		}

		if local := s.view.LatestSeq(); f.Seq > local+1 {
			// The broadcast jumped past the watermark: something
			// between local+1 and this frame was never delivered.
			// Recovery fetches the whole range, this frame included.
			return s.runGapRecovery(ctx, local+1, f.Seq)
		}

		s.applyMessages(ctx, []Message{f.message()})

		return nil

	case "message.ack":
		var f MessageAckFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropFrame("message.ack", err)
			return nil
		}

		s.handleAck(ctx, f)

		return nil

	case "reaction.update":
		var f ReactionUpdateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropFrame("reaction.update", err)
			return nil
		}

		s.handleReactionUpdate(f)

		return nil

	case "resume.ok":
		var f ResumeOKFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropFrame("resume.ok", err)
			return nil
		}

		local := s.view.LatestSeq()
		if f.LatestSeq > local {
			// The server advanced while the resume was in flight;
			// treat it as a reported gap.
			return s.runGapRecovery(ctx, local+1, f.LatestSeq)
		}

		return nil

	case "resume.gap":
		var f ResumeGapFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropFrame("resume.gap", err)
			return nil
		}

		s.logger.Info("server reported gap",
			slog.Int64("from_seq", f.FromSeq),
			slog.Int64("latest_seq", f.LatestSeq),
		)

		return s.runGapRecovery(ctx, f.FromSeq, f.LatestSeq)

	case "error":
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropFrame("error", err)
			return nil
		}

		s.logger.Warn("server error frame",
			slog.String("message", f.Message),
			slog.String("request_id", f.RequestID),
		)
		s.observer.SyncError(&ProtocolError{Message: f.Message})

		return nil

	default:
		s.logger.Debug("unexpected frame", slog.String("type", gjson.GetBytes(data, "type").Str))
		return nil
	}
}

// runGapRecovery backfills a reported gap. Exhausted retries force-close
// the socket so the reconnect path re-resumes from a clean slate rather
// than leaving the view partially recovered.
func (s *SyncClient) runGapRecovery(ctx context.Context, fromSeq, latestSeq int64) error {
	err := s.recoverGap(ctx, fromSeq, latestSeq)
	if err == nil {
		return nil
	}

	s.observer.SyncError(err)

	if conn, _, _ := s.session(); conn != nil {
		conn.Close(websocket.StatusGoingAway, "gap recovery failed")
	}

	return err
}

// handleAck resolves a pending acknowledgment and converges the
// sender's placeholder in place.
func (s *SyncClient) handleAck(ctx context.Context, f MessageAckFrame) {
	if s.view.ApplyAck(f.ClientID, f.MessageID, f.Seq, f.ServerTS) {
		s.notifyView()
		s.saveSnapshot()

		// Only a seq the view actually stored moves the read cursor;
		// an ack for an abandoned send is left for the broadcast path.
		s.advanceReadCursor(ctx, f.Seq)
	}

	s.resolvePending(f.ClientID, ackResult{
		messageID: f.MessageID,
		seq:       f.Seq,
		serverTS:  f.ServerTS,
	})
}

// handleReactionUpdate applies a broadcast reaction change from any
// participant.
func (s *SyncClient) handleReactionUpdate(f ReactionUpdateFrame) {
	if f.ConversationID != s.target() {
		return
	}

	localActor := f.UserID == s.userID
	if s.view.ApplyReactionEvent(f.MessageID, f.Emoji, f.Action, localActor, f.Count) {
		s.notifyView()
		s.saveSnapshot()
	}
}

// applyMessages feeds a batch through the reconciler and advances the
// read cursor with the new watermark.
func (s *SyncClient) applyMessages(ctx context.Context, batch []Message) {
	latest, changed := s.view.Apply(batch)
	if changed {
		s.notifyView()
		s.saveSnapshot()
	}

	s.advanceReadCursor(ctx, latest)
}

// Detach marks intentional closure: cancels any scheduled reconnect,
// closes the channel, and rejects all pending acknowledgments. The view
// is retained so the UI keeps its history while disconnected.
func (s *SyncClient) Detach() {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.detached = true
	s.conversationID = ""

	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	conn := s.conn
	s.conn = nil
	s.setNotReadyLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "detach")
	}

	s.failAllPending(cherrors.ErrConnectionClosed)
	s.lifecycle.reset()
	s.logger.Info("detached")
}

// Dispose releases the client permanently. Safe to call multiple times.
func (s *SyncClient) Dispose() {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		return
	}

	s.disposed = true
	s.detached = true
	s.conversationID = ""

	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	conn := s.conn
	s.conn = nil
	s.setNotReadyLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "dispose")
	}

	s.failAllPending(cherrors.ErrDisposed)
	s.lifecycle.fire(triggerDispose)
}

// Messages returns a read-only copy of the ordered view.
func (s *SyncClient) Messages() []Message {
	return s.view.Messages()
}

// LatestSeq returns the highest sequence number observed this session.
func (s *SyncClient) LatestSeq() int64 {
	return s.view.LatestSeq()
}

// State returns the current lifecycle state.
func (s *SyncClient) State() LifecycleState {
	return s.lifecycle.state()
}

// markDisconnected records an unexpected connection loss: the readiness
// gate re-arms, in-flight sends fail fast, and the lifecycle returns to
// disconnected so a reconnect can be scheduled.
func (s *SyncClient) markDisconnected() {
	s.mu.Lock()

	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	conn := s.conn
	s.conn = nil
	s.setNotReadyLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusAbnormalClosure, "connection lost")
	}

	s.failAllPending(cherrors.ErrConnectionClosed)
	s.lifecycle.reset()
}

// setNotReadyLocked re-arms the readiness gate. Caller holds s.mu.
func (s *SyncClient) setNotReadyLocked() {
	if s.ready {
		s.ready = false
		s.readyCh = make(chan struct{})
	}
}

// awaitReady blocks until the channel is authenticated, bounded by
// sessionReadyTimeout.
func (s *SyncClient) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(sessionReadyTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		ready := s.ready
		disposed := s.disposed
		ch := s.readyCh
		s.mu.Unlock()

		if disposed {
			return cherrors.ErrDisposed
		}

		if ready {
			return nil
		}

		select {
		case <-ch:
		case <-timer.C:
			return cherrors.ErrSessionTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending-acknowledgment bookkeeping. The map is owned by the sync
// client alone; no other component mutates it.

func (s *SyncClient) registerPending(clientID string) *pendingAck {
	ack := &pendingAck{
		clientID: clientID,
		ch:       make(chan ackResult, 1),
	}

	s.pendingMu.Lock()
	s.pending[clientID] = ack
	s.pendingMu.Unlock()

	return ack
}

func (s *SyncClient) unregisterPending(clientID string) {
	s.pendingMu.Lock()
	delete(s.pending, clientID)
	s.pendingMu.Unlock()
}

func (s *SyncClient) resolvePending(clientID string, res ackResult) {
	s.pendingMu.Lock()
	ack, ok := s.pending[clientID]
	if ok {
		delete(s.pending, clientID)
	}
	s.pendingMu.Unlock()

	if ok {
		ack.ch <- res
	}
}

func (s *SyncClient) failAllPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingAck)
	s.pendingMu.Unlock()

	for _, ack := range pending {
		ack.ch <- ackResult{err: err}
	}
}

// Session accessors.

func (s *SyncClient) target() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conversationID
}

func (s *SyncClient) currentEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.epoch
}

func (s *SyncClient) session() (wsConn, bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn, s.ready, s.conversationID
}

func (s *SyncClient) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.detached || s.disposed
}

// contextChanged reports whether the conversation target or the socket
// epoch moved since the caller captured them. Used by gap recovery to
// abort silently instead of applying pages to the wrong conversation.
func (s *SyncClient) contextChanged(conversationID string, epoch int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conversationID != conversationID || s.epoch != epoch
}

func (s *SyncClient) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Writers from
// different goroutines (event loop, send pipeline, read-cursor
// propagator) are serialized by writeMu.
func (s *SyncClient) writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *SyncClient) dropFrame(frameType string, err error) {
	s.logger.Warn("dropping malformed frame",
		slog.String("type", frameType),
		slog.String("error", err.Error()),
	)
	s.observer.SyncError(&ProtocolError{Message: "malformed " + frameType + " frame"})
}

func (s *SyncClient) notifyView() {
	s.observer.ViewChanged(s.view.Messages())
}

// bootstrapFromSnapshot paints the fast first frame from the local
// cache. Best effort: failures are logged and the view starts empty.
func (s *SyncClient) bootstrapFromSnapshot(conversationID string) {
	if s.snapshots == nil {
		return
	}

	msgs, err := s.snapshots.Load(s.tenantID, conversationID)
	if err != nil {
		s.logger.Warn("loading snapshot",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		return
	}

	if len(msgs) == 0 {
		return
	}

	s.view.Bootstrap(msgs)
	s.notifyView()
	s.logger.Debug("snapshot loaded",
		slog.String("conversation_id", conversationID),
		slog.Int("messages", len(msgs)),
	)
}

// saveSnapshot mirrors the authoritative part of the view into the
// local cache. Placeholders are skipped: an unacknowledged send must
// never survive a restart.
func (s *SyncClient) saveSnapshot() {
	if s.snapshots == nil {
		return
	}

	convID := s.target()
	if convID == "" {
		return
	}

	all := s.view.Messages()
	authoritative := make([]Message, 0, len(all))

	for _, m := range all {
		if !m.Pending {
			authoritative = append(authoritative, m)
		}
	}

	if err := s.snapshots.Save(s.tenantID, convID, authoritative); err != nil {
		s.logger.Warn("saving snapshot",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
	}
}
