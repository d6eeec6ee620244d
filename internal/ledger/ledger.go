// Package ledger implements the server side of the conversation
// protocol: an append-only per-conversation sequence ledger, reaction
// aggregates, read cursors, and the WebSocket/HTTP surfaces clients
// sync against. It backs local development and end-to-end tests.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briefcase-hq/chat-sync/internal/chat"
)

// historyPageLimit caps a single history page regardless of the
// requested limit.
const historyPageLimit = 200

// AppendRequest is one message submitted for sequencing.
type AppendRequest struct {
	ClientID         string
	Role             string
	Content          string
	UserID           string
	ReplyToMessageID string
	Attachments      []string
	Metadata         map[string]string
}

// conversation is one append-only log with its ancillary state. All
// fields are guarded by the owning Ledger's mutex.
type conversation struct {
	messages   []chat.Message
	byClientID map[string]int
	byID       map[string]int

	// reactions tracks which participants reacted with which emoji,
	// keyed message id -> emoji -> user id.
	reactions map[string]map[string]map[string]struct{}

	readCursors map[string]int64
	latestSeq   int64
}

// Ledger sequences messages across conversations. Sequence numbers are
// per conversation, start at 1, and never repeat or skip.
type Ledger struct {
	mu    sync.Mutex
	convs map[string]*conversation
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{convs: make(map[string]*conversation)}
}

func (l *Ledger) conv(conversationID string) *conversation {
	c, ok := l.convs[conversationID]
	if !ok {
		c = &conversation{
			byClientID:  make(map[string]int),
			byID:        make(map[string]int),
			reactions:   make(map[string]map[string]map[string]struct{}),
			readCursors: make(map[string]int64),
		}
		l.convs[conversationID] = c
	}

	return c
}

// Append assigns the next sequence number to a message and records it.
// A client id already present in the log makes the call idempotent: the
// original message is returned with duplicate set, and no new record is
// created. The returned message carries the durable identity the caller
// acknowledges to the sender.
func (l *Ledger) Append(conversationID string, req AppendRequest) (msg chat.Message, duplicate bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conv(conversationID)

	if req.ClientID != "" {
		if i, ok := c.byClientID[req.ClientID]; ok {
			return c.messages[i], true
		}
	}

	c.latestSeq++

	msg = chat.Message{
		ID:               "msg-" + uuid.NewString(),
		ClientID:         req.ClientID,
		Seq:              c.latestSeq,
		ServerTS:         time.Now().UnixMilli(),
		Role:             req.Role,
		Content:          req.Content,
		UserID:           req.UserID,
		ReplyToMessageID: req.ReplyToMessageID,
		Attachments:      append([]string(nil), req.Attachments...),
		Metadata:         req.Metadata,
	}
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}

	c.messages = append(c.messages, msg)
	c.byID[msg.ID] = len(c.messages) - 1

	if req.ClientID != "" {
		c.byClientID[req.ClientID] = len(c.messages) - 1
	}

	return msg, false
}

// History returns messages with seq >= fromSeq, oldest first, capped at
// limit. NextFromSeq is set when more remain past the returned page.
// Reaction aggregates are computed from the viewer's perspective.
func (l *Ledger) History(conversationID, viewerID string, fromSeq int64, limit int) chat.HistoryPage {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conv(conversationID)

	if limit <= 0 || limit > historyPageLimit {
		limit = historyPageLimit
	}

	if fromSeq < 1 {
		fromSeq = 1
	}

	// Messages are appended in seq order, so the first qualifying index
	// is found by binary search.
	start := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].Seq >= fromSeq
	})

	page := chat.HistoryPage{LatestSeq: c.latestSeq}

	end := start + limit
	if end > len(c.messages) {
		end = len(c.messages)
	}

	for _, m := range c.messages[start:end] {
		m.Reactions = c.reactionListLocked(m.ID, viewerID)
		page.Messages = append(page.Messages, m)
	}

	if end < len(c.messages) {
		next := c.messages[end].Seq
		page.NextFromSeq = &next
	}

	return page
}

// LatestSeq returns the highest assigned sequence number, zero for an
// empty conversation.
func (l *Ledger) LatestSeq(conversationID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conv(conversationID).latestSeq
}

// HasMessage reports whether a message id exists in the conversation.
func (l *Ledger) HasMessage(conversationID, messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.conv(conversationID).byID[messageID]

	return ok
}

// AddReaction records userID reacting with emoji. Returns the new
// aggregate count and whether the state actually changed (reacting
// twice with the same emoji is a no-op).
func (l *Ledger) AddReaction(conversationID, messageID, emoji, userID string) (count int, changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conv(conversationID)

	if _, ok := c.byID[messageID]; !ok {
		return 0, false
	}

	byEmoji, ok := c.reactions[messageID]
	if !ok {
		byEmoji = make(map[string]map[string]struct{})
		c.reactions[messageID] = byEmoji
	}

	users, ok := byEmoji[emoji]
	if !ok {
		users = make(map[string]struct{})
		byEmoji[emoji] = users
	}

	if _, ok := users[userID]; ok {
		return len(users), false
	}

	users[userID] = struct{}{}

	return len(users), true
}

// RemoveReaction withdraws userID's emoji reaction. Removing a reaction
// that was never added is a no-op.
func (l *Ledger) RemoveReaction(conversationID, messageID, emoji, userID string) (count int, changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conv(conversationID)

	users, ok := c.reactions[messageID][emoji]
	if !ok {
		return 0, false
	}

	if _, ok := users[userID]; !ok {
		return len(users), false
	}

	delete(users, userID)

	if len(users) == 0 {
		delete(c.reactions[messageID], emoji)
	}

	return len(users), true
}

// ReactionList returns the aggregate reactions on a message from the
// viewer's perspective, sorted by emoji for a stable wire shape.
func (l *Ledger) ReactionList(conversationID, messageID, viewerID string) []chat.Reaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conv(conversationID).reactionListLocked(messageID, viewerID)
}

func (c *conversation) reactionListLocked(messageID, viewerID string) []chat.Reaction {
	byEmoji := c.reactions[messageID]
	if len(byEmoji) == 0 {
		return nil
	}

	emojis := make([]string, 0, len(byEmoji))
	for emoji := range byEmoji {
		emojis = append(emojis, emoji)
	}

	sort.Strings(emojis)

	out := make([]chat.Reaction, 0, len(emojis))

	for _, emoji := range emojis {
		users := byEmoji[emoji]
		_, mine := users[viewerID]
		out = append(out, chat.Reaction{
			Emoji:       emoji,
			Count:       len(users),
			ReactedByMe: mine,
		})
	}

	return out
}

// SetReadCursor advances a participant's read position. The cursor is
// monotonic; attempts to move it backwards are ignored.
func (l *Ledger) SetReadCursor(conversationID, userID string, seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conv(conversationID)
	if seq > c.readCursors[userID] {
		c.readCursors[userID] = seq
	}
}

// ReadCursor returns a participant's read position, zero if never set.
func (l *Ledger) ReadCursor(conversationID, userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conv(conversationID).readCursors[userID]
}
