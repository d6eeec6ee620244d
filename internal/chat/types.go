package chat

// ProtocolVersion is sent in the auth frame. The server rejects clients
// speaking an unknown version with auth.error.
const ProtocolVersion = 1

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Reaction is a single emoji aggregate on a message. Count is always
// non-negative; an emoji whose count reaches zero is removed from the
// message entirely.
type Reaction struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reacted_by_me"`
}

// Message is one entry in the conversation view.
//
// ID is server-assigned and globally unique. ClientID is generated by
// the sending client and used exactly once, to correlate an optimistic
// placeholder with its authoritative counterpart. Seq is the
// server-assigned per-conversation sequence number; it is zero on
// optimistic placeholders and strictly positive on authoritative
// records.
type Message struct {
	ID               string            `json:"id"`
	ClientID         string            `json:"client_id,omitempty"`
	Seq              int64             `json:"seq"`
	ServerTS         int64             `json:"server_ts"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	UserID           string            `json:"user_id,omitempty"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Attachments      []string          `json:"attachments,omitempty"`
	Reactions        []Reaction        `json:"reactions,omitempty"`

	// LocalTS is the optimistic local timestamp used as the ordering
	// key until ServerTS is known. Never persisted or sent on the wire.
	LocalTS int64 `json:"-"`

	// Pending marks an optimistic placeholder awaiting acknowledgment.
	Pending bool `json:"-"`
}

// timestamp returns the ordering key for the view: the authoritative
// server timestamp when present, else the optimistic local one.
func (m *Message) timestamp() int64 {
	if m.ServerTS > 0 {
		return m.ServerTS
	}

	return m.LocalTS
}

// Channel frame types, client to server.

// AuthFrame is the first frame sent after the channel opens.
type AuthFrame struct {
	Type            string     `json:"type"`
	ProtocolVersion int        `json:"protocol_version"`
	Token           string     `json:"token"`
	ClientInfo      ClientInfo `json:"client_info"`
}

// ClientInfo identifies the connecting participant and device.
type ClientInfo struct {
	Device   string `json:"device"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// ResumeFrame asks the server to report anything newer than LastSeq.
type ResumeFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	LastSeq        int64  `json:"last_seq"`
}

// SendFrame carries a durable send request. ClientID correlates the
// eventual acknowledgment with the optimistic placeholder.
type SendFrame struct {
	Type             string            `json:"type"`
	ConversationID   string            `json:"conversation_id"`
	ClientID         string            `json:"client_id"`
	Content          string            `json:"content"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
	Attachments      []string          `json:"attachments,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ReadUpdateFrame reports the highest sequence number observed locally.
type ReadUpdateFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	LastReadSeq    int64  `json:"last_read_seq"`
}

// PingFrame keeps the channel alive during idle periods.
type PingFrame struct {
	Type string `json:"type"`
}

// Channel frame types, server to client.

// AuthOKFrame confirms the handshake.
type AuthOKFrame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// AuthErrorFrame rejects the handshake. Fatal for the attach attempt.
type AuthErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ResumeOKFrame reports that the server holds nothing past LatestSeq.
type ResumeOKFrame struct {
	Type      string `json:"type"`
	LatestSeq int64  `json:"latest_seq"`
}

// ResumeGapFrame reports a discontinuity the client must backfill.
type ResumeGapFrame struct {
	Type      string `json:"type"`
	FromSeq   int64  `json:"from_seq"`
	LatestSeq int64  `json:"latest_seq"`
}

// MessageNewFrame broadcasts a durable message to all participants,
// including the sender.
type MessageNewFrame struct {
	Type             string            `json:"type"`
	ConversationID   string            `json:"conversation_id"`
	MessageID        string            `json:"message_id"`
	ClientID         string            `json:"client_id,omitempty"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	ServerTS         int64             `json:"server_ts"`
	Seq              int64             `json:"seq"`
	UserID           string            `json:"user_id,omitempty"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
	Attachments      []string          `json:"attachments,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// message converts the broadcast frame into a view entry.
func (f *MessageNewFrame) message() Message {
	return Message{
		ID:               f.MessageID,
		ClientID:         f.ClientID,
		Seq:              f.Seq,
		ServerTS:         f.ServerTS,
		Role:             f.Role,
		Content:          f.Content,
		UserID:           f.UserID,
		ReplyToMessageID: f.ReplyToMessageID,
		Attachments:      f.Attachments,
		Metadata:         f.Metadata,
	}
}

// MessageAckFrame acknowledges the sender's own message.send.
type MessageAckFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	ServerTS  int64  `json:"server_ts"`
}

// Reaction actions carried by ReactionUpdateFrame.
const (
	ReactionActionAdd    = "add"
	ReactionActionRemove = "remove"
)

// ReactionUpdateFrame broadcasts a reaction change by any participant.
type ReactionUpdateFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
	Action         string `json:"action"`
	UserID         string `json:"user_id"`
	Count          int    `json:"count"`
}

// ErrorFrame reports a server-side failure for a specific request or
// the session as a whole.
type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HistoryPage is the response shape of the paginated history-fetch
// endpoint, used identically by initial load and gap recovery.
type HistoryPage struct {
	Messages    []Message `json:"messages"`
	LatestSeq   int64     `json:"latest_seq"`
	NextFromSeq *int64    `json:"next_from_seq"`
}

// ReactionListResponse is returned by the reaction add/remove
// endpoints: the authoritative reaction list for one message.
type ReactionListResponse struct {
	MessageID string     `json:"message_id"`
	Reactions []Reaction `json:"reactions"`
}

// APIError is the error body returned by the backend REST endpoints.
type APIError struct {
	Error string `json:"error"`
}
