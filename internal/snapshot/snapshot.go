// Package snapshot persists a bounded local copy of each conversation
// view so a restarted client paints instantly and resumes with a real
// watermark instead of refetching history from sequence one.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/briefcase-hq/chat-sync/internal/chat"
)

// DefaultLimit bounds how many of the newest messages each snapshot
// keeps. Older history is refetched on demand through the paginated
// endpoint.
const DefaultLimit = 200

// Store is a bbolt-backed snapshot cache. One bucket per tenant keeps
// conversations from different tenants physically separated; the key
// within a bucket is the conversation id.
type Store struct {
	db     *bolt.DB
	limit  int
	logger *slog.Logger
}

// Open creates or opens the snapshot database at path. A limit of zero
// or less falls back to DefaultLimit.
func Open(path string, limit int, logger *slog.Logger) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	return &Store{db: db, limit: limit, logger: logger}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the cached messages for a conversation, oldest first.
// A missing snapshot is not an error; it returns an empty slice.
func (s *Store) Load(tenantID, conversationID string) ([]chat.Message, error) {
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKey(tenantID))
		if b == nil {
			return nil
		}

		if v := b.Get([]byte(conversationID)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	if raw == nil {
		return nil, nil
	}

	var messages []chat.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		// A corrupt snapshot is recoverable; the caller resyncs from
		// the server. Drop it so the next save starts clean.
		s.logger.Warn("discarding corrupt snapshot",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		if delErr := s.Delete(tenantID, conversationID); delErr != nil {
			s.logger.Warn("deleting corrupt snapshot", slog.String("error", delErr.Error()))
		}

		return nil, nil
	}

	return messages, nil
}

// Save replaces the snapshot for a conversation with the newest
// messages from the given ordered slice, truncated to the store limit.
func (s *Store) Save(tenantID, conversationID string, messages []chat.Message) error {
	if len(messages) > s.limit {
		messages = messages[len(messages)-s.limit:]
	}

	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketKey(tenantID))
		if err != nil {
			return fmt.Errorf("creating tenant bucket: %w", err)
		}

		return b.Put([]byte(conversationID), raw)
	})
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	return nil
}

// Delete removes one conversation's snapshot.
func (s *Store) Delete(tenantID, conversationID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKey(tenantID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(conversationID))
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}

	return nil
}

func bucketKey(tenantID string) []byte {
	return []byte("tenant:" + tenantID)
}
