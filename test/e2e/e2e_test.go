package e2e_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcase-hq/chat-sync/internal/chat"
	"github.com/briefcase-hq/chat-sync/internal/ledger"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// --- send pipeline over a real channel ---

func TestSend_DeliveredToPeer(t *testing.T) {
	h := newHarness(t)

	alice, _ := h.newClient(t, "alice", nil)
	bob, bobView := h.newClient(t, "bob", nil)

	h.attach(t, alice)
	h.attach(t, bob)

	res, err := alice.Send(t.Context(), chat.SendRequest{Content: "hello bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Seq)
	assert.NotEmpty(t, res.MessageID)

	require.Eventually(t, func() bool {
		return bobView.hasContent("hello bob")
	}, waitFor, tick, "peer never received the broadcast")

	// Both sides converge on the same single record.
	require.Eventually(t, func() bool {
		a, b := alice.Messages(), bob.Messages()
		return len(a) == 1 && len(b) == 1 && a[0].ID == b[0].ID
	}, waitFor, tick)
}

func TestSend_ReadCursorPropagates(t *testing.T) {
	h := newHarness(t)

	alice, _ := h.newClient(t, "alice", nil)
	bob, bobView := h.newClient(t, "bob", nil)

	h.attach(t, alice)
	h.attach(t, bob)

	_, err := alice.Send(t.Context(), chat.SendRequest{Content: "mark me read"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bobView.hasContent("mark me read")
	}, waitFor, tick)

	// Bob observed seq 1, so his server-side cursor follows.
	require.Eventually(t, func() bool {
		return h.Ledger.ReadCursor(testConvID, "bob") == 1
	}, waitFor, tick, "read cursor never reached the server")
}

// --- gap recovery ---

func TestAttach_BackfillsMissedMessages(t *testing.T) {
	h := newHarness(t)

	// History accumulated while nobody was connected.
	for i := 1; i <= 5; i++ {
		h.Ledger.Append(testConvID, ledger.AppendRequest{
			ClientID: fmt.Sprintf("seed-%d", i),
			Content:  fmt.Sprintf("missed %d", i),
			UserID:   "alice",
		})
	}

	bob, _ := h.newClient(t, "bob", nil)
	h.attach(t, bob)

	// The server reports a gap on resume; the client backfills through
	// the paginated history endpoint.
	require.Eventually(t, func() bool {
		return len(bob.Messages()) == 5 && bob.LatestSeq() == 5
	}, waitFor, tick, "gap recovery never completed")

	msgs := bob.Messages()
	assert.Equal(t, "missed 1", msgs[0].Content)
	assert.Equal(t, "missed 5", msgs[4].Content)
}

// --- snapshot cache across restarts ---

func TestSnapshot_SurvivesRestart(t *testing.T) {
	h := newHarness(t)
	store := newSnapshotStore(t)

	first, _ := h.newClient(t, "alice", store)
	h.attach(t, first)

	_, err := first.Send(t.Context(), chat.SendRequest{Content: "persist me"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, loadErr := store.Load(testTenantID, testConvID)
		return loadErr == nil && len(msgs) == 1
	}, waitFor, tick, "snapshot was never written")

	first.Dispose()

	// A fresh client over the same store paints from the snapshot
	// before the channel comes up.
	second, view := h.newClient(t, "alice", store)
	h.attach(t, second)

	view.mu.Lock()
	firstRevision := view.views[0]
	view.mu.Unlock()

	require.Len(t, firstRevision, 1, "first paint must come from the local cache")
	assert.Equal(t, "persist me", firstRevision[0].Content)

	// Resume found nothing newer.
	assert.Equal(t, int64(1), second.LatestSeq())
}

// --- reactions ---

func TestReaction_TogglePropagates(t *testing.T) {
	h := newHarness(t)

	alice, _ := h.newClient(t, "alice", nil)
	bob, bobView := h.newClient(t, "bob", nil)

	h.attach(t, alice)
	h.attach(t, bob)

	res, err := alice.Send(t.Context(), chat.SendRequest{Content: "react to this"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bobView.hasContent("react to this")
	}, waitFor, tick)

	require.NoError(t, bob.ToggleReaction(t.Context(), res.MessageID, "👍"))

	// Bob sees his own reaction flagged.
	bobMsgs := bob.Messages()
	require.Len(t, bobMsgs, 1)
	require.Len(t, bobMsgs[0].Reactions, 1)
	assert.True(t, bobMsgs[0].Reactions[0].ReactedByMe)

	// Alice receives the broadcast without the local flag.
	require.Eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && len(msgs[0].Reactions) == 1 &&
			msgs[0].Reactions[0].Count == 1 && !msgs[0].Reactions[0].ReactedByMe
	}, waitFor, tick, "reaction broadcast never arrived")

	// Toggling again withdraws it everywhere.
	require.NoError(t, bob.ToggleReaction(t.Context(), res.MessageID, "👍"))

	require.Eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && len(msgs[0].Reactions) == 0
	}, waitFor, tick, "reaction removal never propagated")
}

// --- duplicate suppression across a retry ---

func TestSend_RetryAfterTimeoutDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)

	alice, _ := h.newClient(t, "alice", nil)
	h.attach(t, alice)

	_, err := alice.Send(t.Context(), chat.SendRequest{Content: "only once"})
	require.NoError(t, err)

	// Simulate the client retrying the same correlation id after a
	// lost ack: the ledger re-acknowledges the original.
	msgs := alice.Messages()
	require.Len(t, msgs, 1)

	dup, duplicate := h.Ledger.Append(testConvID, ledger.AppendRequest{
		ClientID: msgs[0].ClientID,
		Content:  "only once",
		UserID:   "alice",
	})
	assert.True(t, duplicate)
	assert.Equal(t, msgs[0].ID, dup.ID)
	assert.Equal(t, int64(1), h.Ledger.LatestSeq(testConvID))
}

// --- lifecycle visibility ---

func TestLifecycle_ObserverSeesReadyState(t *testing.T) {
	h := newHarness(t)

	client, view := h.newClient(t, "alice", nil)
	h.attach(t, client)

	require.Eventually(t, func() bool {
		view.mu.Lock()
		defer view.mu.Unlock()

		for _, s := range view.states {
			if s == chat.StateReady {
				return true
			}
		}

		return false
	}, waitFor, tick)

	client.Detach()

	assert.Equal(t, chat.StateDisconnected, client.State())
}

func TestDispose_RejectsFurtherUse(t *testing.T) {
	h := newHarness(t)

	client, _ := h.newClient(t, "alice", nil)
	h.attach(t, client)

	client.Dispose()

	err := client.Attach(context.Background(), testConvID)
	assert.Error(t, err)
}
