package chat

import (
	"log/slog"
	"sync"
	"testing"

	"go.uber.org/mock/gomock"
)

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	mu     sync.Mutex
	views  [][]Message
	states []LifecycleState
	errors []error
}

func (o *recordingObserver) ViewChanged(messages []Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.views = append(o.views, messages)
}

func (o *recordingObserver) StateChanged(state LifecycleState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.states = append(o.states, state)
}

func (o *recordingObserver) SyncError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.errors = append(o.errors, err)
}

func (o *recordingObserver) lastView() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.views) == 0 {
		return nil
	}

	return o.views[len(o.views)-1]
}

func (o *recordingObserver) seenStates() []LifecycleState {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]LifecycleState(nil), o.states...)
}

// newTestSyncClient creates a SyncClient with no connection, suitable
// for exercising individual pipeline stages directly.
func newTestSyncClient(t *testing.T) *SyncClient {
	t.Helper()

	obs := NopObserver{}

	return &SyncClient{
		logger:    slog.Default(),
		observer:  obs,
		tenantID:  "tenant-1",
		userID:    "user-1",
		device:    "test-device",
		lifecycle: newLifecycle(slog.Default(), obs),
		view:      NewView(),
		readyCh:   make(chan struct{}),
		pending:   make(map[string]*pendingAck),
		inboundCh: make(chan inboundMsg, inboundChanSize),
	}
}

// withMockConn returns a client wired to a mock connection in the ready
// state, attached to conversation "conv-1".
func withMockConn(t *testing.T, ctrl *gomock.Controller) (*SyncClient, *MockWSConn) {
	t.Helper()

	s := newTestSyncClient(t)
	mock := NewMockWSConn(ctrl)

	s.mu.Lock()
	s.conn = mock
	s.conversationID = "conv-1"
	s.ready = true
	close(s.readyCh)
	s.mu.Unlock()

	return s, mock
}
