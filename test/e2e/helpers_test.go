package e2e_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/briefcase-hq/chat-sync/internal/chat"
	"github.com/briefcase-hq/chat-sync/internal/ledger"
	"github.com/briefcase-hq/chat-sync/internal/snapshot"
)

const (
	testToken    = "e2e-test-token"
	testTenantID = "tenant-1"
	testConvID   = "conv-1"
)

// harness runs the full stack: the sequence ledger behind its WebSocket
// and REST surfaces, plus helpers to attach real clients to it.
type harness struct {
	URL    string
	Ledger *ledger.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	l := ledger.New()
	srv := ledger.NewServer(l, testToken, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{URL: ts.URL, Ledger: l}
}

// newClient creates a SyncClient pointed at the harness. The returned
// observer records every view revision for assertions.
func (h *harness) newClient(t *testing.T, userID string, snapshots chat.SnapshotStore) (*chat.SyncClient, *viewRecorder) {
	t.Helper()

	obs := &viewRecorder{}

	client := chat.NewSyncClient(chat.SyncConfig{
		Host:      "ws" + strings.TrimPrefix(h.URL, "http") + "/sync",
		Token:     testToken,
		TenantID:  testTenantID,
		UserID:    userID,
		Device:    "e2e",
		API:       chat.NewClient(h.URL, testToken, userID, nil),
		Snapshots: snapshots,
		Observer:  obs,
	}, slog.Default())

	t.Cleanup(client.Dispose)

	return client, obs
}

// attach brings a client online for the test conversation and starts
// its event loop.
func (h *harness) attach(t *testing.T, client *chat.SyncClient) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, client.Attach(ctx, testConvID))

	go client.Listen(ctx) //nolint:errcheck
}

// newSnapshotStore opens a bbolt store in a temp directory.
func newSnapshotStore(t *testing.T) *snapshot.Store {
	t.Helper()

	store, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshots.db"), 0, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// viewRecorder is a chat.Observer that keeps every view revision.
type viewRecorder struct {
	mu     sync.Mutex
	views  [][]chat.Message
	states []chat.LifecycleState
	errs   []error
}

func (r *viewRecorder) ViewChanged(messages []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.views = append(r.views, messages)
}

func (r *viewRecorder) StateChanged(state chat.LifecycleState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, state)
}

func (r *viewRecorder) SyncError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

// hasContent reports whether any recorded view revision contains a
// non-pending message with the given content.
func (r *viewRecorder) hasContent(content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, view := range r.views {
		for _, m := range view {
			if m.Content == content && !m.Pending {
				return true
			}
		}
	}

	return false
}
