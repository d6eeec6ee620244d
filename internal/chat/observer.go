package chat

// Observer receives engine callbacks. Implementations are injected at
// construction time; there is no ambient global hook. All callbacks are
// invoked synchronously from engine goroutines and must return quickly.
type Observer interface {
	// ViewChanged delivers a read-only copy of the ordered view after
	// every mutation.
	ViewChanged(messages []Message)

	// StateChanged reports connection lifecycle transitions.
	StateChanged(state LifecycleState)

	// SyncError reports background failures that have no awaiting
	// caller (reconnect attempts, broadcast application).
	SyncError(err error)
}

// NopObserver ignores all callbacks.
type NopObserver struct{}

func (NopObserver) ViewChanged([]Message)       {}
func (NopObserver) StateChanged(LifecycleState) {}
func (NopObserver) SyncError(error)             {}

// SnapshotStore is the best-effort local mirror used to paint a fast
// first frame. It is never authoritative and always superseded by
// server data.
type SnapshotStore interface {
	// Load returns the cached view for a conversation, or nil when no
	// snapshot exists.
	Load(tenantID, conversationID string) ([]Message, error)

	// Save replaces the cached view, keeping at most the configured
	// most-recent-N messages.
	Save(tenantID, conversationID string, messages []Message) error
}
