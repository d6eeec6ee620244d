package chat

import (
	"context"
	"fmt"

	cherrors "github.com/briefcase-hq/chat-sync/internal/errors"
)

// ToggleReaction flips the local participant's reaction with the given
// emoji on a message: adds it when absent, removes it when present.
//
// The flip is applied to the view optimistically, then confirmed
// against the HTTP endpoint. On success the server's aggregate list
// replaces the optimistic one; on failure the view rolls back to the
// exact pre-toggle state. Rapid double-toggles are safe because each
// call re-reads the current view state and the final HTTP response is
// authoritative.
func (s *SyncClient) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	conversationID := s.target()
	if conversationID == "" {
		return cherrors.ErrNoConversation
	}

	prev, ok := s.view.Reactions(messageID)
	if !ok {
		return fmt.Errorf("message %q not in view", messageID)
	}

	adding := true

	for _, r := range prev {
		if r.Emoji == emoji && r.ReactedByMe {
			adding = false
			break
		}
	}

	s.view.SetReactions(messageID, toggledReactions(prev, emoji, adding))
	s.notifyView()

	var (
		list *ReactionListResponse
		err  error
	)

	if adding {
		list, err = s.api.AddReaction(ctx, conversationID, messageID, emoji)
	} else {
		list, err = s.api.RemoveReaction(ctx, conversationID, messageID, emoji)
	}

	if err != nil {
		// Roll back to the exact pre-toggle state.
		s.view.SetReactions(messageID, prev)
		s.notifyView()

		return fmt.Errorf("toggling reaction: %w", err)
	}

	s.view.SetReactions(messageID, list.Reactions)
	s.notifyView()
	s.saveSnapshot()

	return nil
}

// toggledReactions computes the optimistic aggregate after the local
// participant adds or removes emoji. The input is not mutated.
func toggledReactions(prev []Reaction, emoji string, adding bool) []Reaction {
	out := cloneReactions(prev)

	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}

		if adding {
			out[i].Count++
			out[i].ReactedByMe = true

			return out
		}

		out[i].Count--
		out[i].ReactedByMe = false

		if out[i].Count <= 0 {
			return append(out[:i], out[i+1:]...)
		}

		return out
	}

	if !adding {
		// Nothing to remove; the aggregate is unchanged.
		return out
	}

	return append(out, Reaction{Emoji: emoji, Count: 1, ReactedByMe: true})
}
