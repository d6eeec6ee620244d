package chat

import (
	"sort"
	"sync"
)

// View is the time-ordered conversation projection maintained by the
// inbound reconciler. It deduplicates by authoritative id, resolves
// optimistic placeholders to authoritative records by correlation id,
// and tracks the highest sequence number observed.
//
// The UI layer owns nothing: it observes read-only copies produced by
// Messages(). All mutation goes through the engine.
type View struct {
	mu sync.Mutex

	messages []Message

	// seen holds authoritative ids already applied. Records arriving
	// twice (channel push racing a gap-fetch page) are skipped but
	// still advance the watermark.
	seen map[string]struct{}

	// placeholders maps an outstanding correlation id to the temporary
	// id of its optimistic placeholder.
	placeholders map[string]string

	latestSeq int64
}

// NewView creates an empty view.
func NewView() *View {
	return &View{
		seen:         make(map[string]struct{}),
		placeholders: make(map[string]string),
	}
}

// Reset clears the view for a conversation switch.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.messages = nil
	v.seen = make(map[string]struct{})
	v.placeholders = make(map[string]string)
	v.latestSeq = 0
}

// Bootstrap seeds the view from a local snapshot. Snapshot entries are
// authoritative records from a previous session; the watermark picks up
// their highest seq so resume asks only for what is genuinely missing.
func (v *View) Bootstrap(messages []Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range messages {
		if m.ID == "" || m.Pending {
			continue
		}

		if _, ok := v.seen[m.ID]; ok {
			continue
		}

		v.seen[m.ID] = struct{}{}
		v.messages = append(v.messages, m)

		if m.Seq > v.latestSeq {
			v.latestSeq = m.Seq
		}
	}

	v.sortLocked()
}

// InsertPlaceholder adds an optimistic placeholder to the view and
// registers its correlation id.
func (v *View) InsertPlaceholder(m Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.placeholders[m.ClientID] = m.ID
	v.messages = append(v.messages, m)
	v.sortLocked()
}

// RemovePlaceholder rolls back an optimistic placeholder after a failed
// send. Reports whether the placeholder was still present.
func (v *View) RemovePlaceholder(clientID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	tempID, ok := v.placeholders[clientID]
	if !ok {
		return false
	}

	delete(v.placeholders, clientID)

	idx := v.indexOfLocked(tempID)
	if idx < 0 {
		return false
	}

	v.messages = append(v.messages[:idx], v.messages[idx+1:]...)

	return true
}

// Apply reconciles a batch of server-delivered records into the view.
// Already-seen ids are skipped but still advance the watermark. New
// records replace a matching placeholder in place, preserving client-only
// state the server does not yet reflect, or are appended. The view is
// re-sorted afterwards so out-of-order network delivery still yields a
// stable total order. Returns the new watermark and whether the visible
// view changed.
func (v *View) Apply(batch []Message) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	changed := false

	for _, in := range batch {
		if in.Seq > v.latestSeq {
			v.latestSeq = in.Seq
		}

		if in.ID == "" {
			continue
		}

		if _, ok := v.seen[in.ID]; ok {
			continue
		}

		if in.ClientID != "" {
			if tempID, ok := v.placeholders[in.ClientID]; ok {
				delete(v.placeholders, in.ClientID)

				if idx := v.indexOfLocked(tempID); idx >= 0 {
					prev := v.messages[idx]
					merged := in
					merged.Pending = false
					merged.LocalTS = prev.LocalTS

					// Keep client-only state the server broadcast does
					// not carry yet.
					if len(merged.Reactions) == 0 {
						merged.Reactions = prev.Reactions
					}

					if len(merged.Attachments) == 0 {
						merged.Attachments = prev.Attachments
					}

					v.messages[idx] = merged
					v.seen[in.ID] = struct{}{}
					changed = true

					continue
				}
			}
		}

		m := in
		m.Pending = false
		v.messages = append(v.messages, m)
		v.seen[in.ID] = struct{}{}
		changed = true
	}

	if changed {
		v.sortLocked()
	}

	return v.latestSeq, changed
}

// ApplyAck resolves an acknowledged send in place: the placeholder keeps
// its position in the view (no visual reordering on the sender's own
// screen) while its id, seq and timestamp converge to the authoritative
// record. Reports false when a racing broadcast already replaced the
// placeholder.
func (v *View) ApplyAck(clientID, messageID string, seq, serverTS int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	tempID, ok := v.placeholders[clientID]
	if !ok {
		return false
	}

	delete(v.placeholders, clientID)

	idx := v.indexOfLocked(tempID)
	if idx < 0 {
		return false
	}

	m := v.messages[idx]
	m.ID = messageID
	m.Seq = seq
	m.ServerTS = serverTS
	m.Pending = false
	v.messages[idx] = m
	v.seen[messageID] = struct{}{}

	// Advance the watermark only now that the record is in the view. A
	// late ack for an abandoned send must not raise it past messages
	// the view never stored, or the next resume would skip them.
	if seq > v.latestSeq {
		v.latestSeq = seq
	}

	return true
}

// Messages returns a deep copy of the ordered view.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Message, len(v.messages))
	for i, m := range v.messages {
		out[i] = cloneMessage(m)
	}

	return out
}

// LatestSeq returns the highest sequence number observed.
func (v *View) LatestSeq() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.latestSeq
}

// Len returns the number of entries in the view, placeholders included.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.messages)
}

// Reactions returns a copy of the reaction list for a message.
func (v *View) Reactions(messageID string) ([]Reaction, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.indexOfLocked(messageID)
	if idx < 0 {
		return nil, false
	}

	return cloneReactions(v.messages[idx].Reactions), true
}

// SetReactions replaces the reaction list for a message with an
// authoritative server-returned list.
func (v *View) SetReactions(messageID string, reactions []Reaction) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.indexOfLocked(messageID)
	if idx < 0 {
		return false
	}

	v.messages[idx].Reactions = cloneReactions(reactions)

	return true
}

// ApplyReactionEvent applies a broadcast reaction change from any
// participant. ReactedByMe is recomputed only when the actor is the
// local user; otherwise the local flag is preserved. An emoji whose
// count reaches zero is removed entirely.
func (v *View) ApplyReactionEvent(messageID, emoji, action string, localActor bool, count int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.indexOfLocked(messageID)
	if idx < 0 {
		return false
	}

	m := &v.messages[idx]

	ri := -1

	for i := range m.Reactions {
		if m.Reactions[i].Emoji == emoji {
			ri = i
			break
		}
	}

	if count <= 0 {
		if ri >= 0 {
			m.Reactions = append(m.Reactions[:ri], m.Reactions[ri+1:]...)
		}

		return true
	}

	if ri < 0 {
		reactedByMe := localActor && action == ReactionActionAdd
		m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, Count: count, ReactedByMe: reactedByMe})

		return true
	}

	m.Reactions[ri].Count = count
	if localActor {
		m.Reactions[ri].ReactedByMe = action == ReactionActionAdd
	}

	return true
}

// indexOfLocked returns the position of a message by id, or -1.
func (v *View) indexOfLocked(id string) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}

	return -1
}

// sortLocked re-sorts the view by timestamp. The sort is stable so
// entries with equal keys keep their relative order; seq breaks ties
// between authoritative records sharing a timestamp.
func (v *View) sortLocked() {
	sort.SliceStable(v.messages, func(i, j int) bool {
		a, b := &v.messages[i], &v.messages[j]

		at, bt := a.timestamp(), b.timestamp()
		if at != bt {
			return at < bt
		}

		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}

		return a.LocalTS < b.LocalTS
	})
}

func cloneMessage(m Message) Message {
	out := m
	out.Reactions = cloneReactions(m.Reactions)

	if m.Attachments != nil {
		out.Attachments = append([]string(nil), m.Attachments...)
	}

	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, val := range m.Metadata {
			out.Metadata[k] = val
		}
	}

	return out
}

func cloneReactions(in []Reaction) []Reaction {
	if in == nil {
		return nil
	}

	return append([]Reaction(nil), in...)
}
