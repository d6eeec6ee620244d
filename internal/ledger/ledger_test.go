package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_AssignsContiguousSequence(t *testing.T) {
	l := New()

	for i := 1; i <= 3; i++ {
		msg, duplicate := l.Append("conv-1", AppendRequest{
			ClientID: fmt.Sprintf("c-%d", i),
			Content:  "hello",
			UserID:   "user-1",
		})
		assert.False(t, duplicate)
		assert.Equal(t, int64(i), msg.Seq)
		assert.NotEmpty(t, msg.ID)
		assert.NotZero(t, msg.ServerTS)
	}

	assert.Equal(t, int64(3), l.LatestSeq("conv-1"))
}

func TestAppend_SequencesArePerConversation(t *testing.T) {
	l := New()

	a, _ := l.Append("conv-a", AppendRequest{ClientID: "c-1", Content: "x", UserID: "u"})
	b, _ := l.Append("conv-b", AppendRequest{ClientID: "c-2", Content: "y", UserID: "u"})

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), b.Seq)
}

func TestAppend_DuplicateClientIDIsIdempotent(t *testing.T) {
	l := New()

	first, duplicate := l.Append("conv-1", AppendRequest{ClientID: "c-1", Content: "hello", UserID: "u"})
	require.False(t, duplicate)

	second, duplicate := l.Append("conv-1", AppendRequest{ClientID: "c-1", Content: "hello again", UserID: "u"})
	assert.True(t, duplicate)
	assert.Equal(t, first.ID, second.ID, "the original identity is re-acknowledged")
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, "hello", second.Content, "the retry payload is discarded")
	assert.Equal(t, int64(1), l.LatestSeq("conv-1"), "no new sequence was burned")
}

func TestHistory_Pagination(t *testing.T) {
	l := New()

	for i := 1; i <= 7; i++ {
		l.Append("conv-1", AppendRequest{ClientID: fmt.Sprintf("c-%d", i), Content: "m", UserID: "u"})
	}

	page := l.History("conv-1", "u", 1, 3)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, int64(1), page.Messages[0].Seq)
	assert.Equal(t, int64(7), page.LatestSeq)
	require.NotNil(t, page.NextFromSeq)
	assert.Equal(t, int64(4), *page.NextFromSeq)

	page = l.History("conv-1", "u", *page.NextFromSeq, 3)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, int64(4), page.Messages[0].Seq)
	require.NotNil(t, page.NextFromSeq)

	page = l.History("conv-1", "u", *page.NextFromSeq, 3)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(7), page.Messages[0].Seq)
	assert.Nil(t, page.NextFromSeq, "last page carries no continuation")
}

func TestHistory_FromSeqPastEnd(t *testing.T) {
	l := New()
	l.Append("conv-1", AppendRequest{ClientID: "c-1", Content: "m", UserID: "u"})

	page := l.History("conv-1", "u", 99, 10)
	assert.Empty(t, page.Messages)
	assert.Equal(t, int64(1), page.LatestSeq)
	assert.Nil(t, page.NextFromSeq)
}

func TestHistory_EmptyConversation(t *testing.T) {
	l := New()

	page := l.History("conv-none", "u", 1, 10)
	assert.Empty(t, page.Messages)
	assert.Zero(t, page.LatestSeq)
}

func TestReactions_AggregateAndPerspective(t *testing.T) {
	l := New()

	msg, _ := l.Append("conv-1", AppendRequest{ClientID: "c-1", Content: "m", UserID: "alice"})

	count, changed := l.AddReaction("conv-1", msg.ID, "👍", "alice")
	assert.True(t, changed)
	assert.Equal(t, 1, count)

	count, changed = l.AddReaction("conv-1", msg.ID, "👍", "bob")
	assert.True(t, changed)
	assert.Equal(t, 2, count)

	// Reacting twice with the same emoji is a no-op.
	count, changed = l.AddReaction("conv-1", msg.ID, "👍", "alice")
	assert.False(t, changed)
	assert.Equal(t, 2, count)

	aliceView := l.ReactionList("conv-1", msg.ID, "alice")
	require.Len(t, aliceView, 1)
	assert.True(t, aliceView[0].ReactedByMe)

	carolView := l.ReactionList("conv-1", msg.ID, "carol")
	require.Len(t, carolView, 1)
	assert.False(t, carolView[0].ReactedByMe)
	assert.Equal(t, 2, carolView[0].Count)
}

func TestReactions_RemoveDropsEmptyEmoji(t *testing.T) {
	l := New()

	msg, _ := l.Append("conv-1", AppendRequest{ClientID: "c-1", Content: "m", UserID: "alice"})

	l.AddReaction("conv-1", msg.ID, "👍", "alice")

	count, changed := l.RemoveReaction("conv-1", msg.ID, "👍", "alice")
	assert.True(t, changed)
	assert.Zero(t, count)
	assert.Empty(t, l.ReactionList("conv-1", msg.ID, "alice"))

	// Removing what was never added is a no-op.
	_, changed = l.RemoveReaction("conv-1", msg.ID, "👍", "bob")
	assert.False(t, changed)
}

func TestReactions_UnknownMessage(t *testing.T) {
	l := New()

	_, changed := l.AddReaction("conv-1", "msg-none", "👍", "alice")
	assert.False(t, changed)
}

func TestHistory_IncludesReactions(t *testing.T) {
	l := New()

	msg, _ := l.Append("conv-1", AppendRequest{ClientID: "c-1", Content: "m", UserID: "alice"})
	l.AddReaction("conv-1", msg.ID, "👍", "bob")

	page := l.History("conv-1", "bob", 1, 10)
	require.Len(t, page.Messages, 1)
	require.Len(t, page.Messages[0].Reactions, 1)
	assert.True(t, page.Messages[0].Reactions[0].ReactedByMe)
}

func TestReadCursor_Monotonic(t *testing.T) {
	l := New()

	l.SetReadCursor("conv-1", "alice", 5)
	assert.Equal(t, int64(5), l.ReadCursor("conv-1", "alice"))

	l.SetReadCursor("conv-1", "alice", 3)
	assert.Equal(t, int64(5), l.ReadCursor("conv-1", "alice"), "cursor never moves backwards")

	l.SetReadCursor("conv-1", "alice", 8)
	assert.Equal(t, int64(8), l.ReadCursor("conv-1", "alice"))

	assert.Zero(t, l.ReadCursor("conv-1", "bob"))
}
