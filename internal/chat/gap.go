package chat

import (
	"context"
	"log/slog"
	"time"
)

const (
	gapPageSize     = 50
	gapMaxAttempts  = 3
	gapRetryBackoff = 400 * time.Millisecond
)

// recoverGap backfills the sequence range [fromSeq, latestSeq] through
// the paginated history endpoint. Initial load is the degenerate case
// with fromSeq 1 on an empty view.
//
// Pages land through the normal reconciler, so duplicates with frames
// that arrived while recovery ran are absorbed by id dedup. If the
// server advanced past the original target mid-recovery, the reported
// latest_seq on each page extends the target so recovery finishes
// caught up instead of immediately re-entering a gap.
//
// Recovery aborts silently when the conversation target or socket epoch
// changes underneath it; the new session runs its own resume. Exhausted
// retries return a GapRecoveryError, which the caller escalates to a
// reconnect.
func (s *SyncClient) recoverGap(ctx context.Context, fromSeq, latestSeq int64) error {
	s.mu.Lock()
	conversationID := s.conversationID
	epoch := s.epoch
	s.mu.Unlock()

	if conversationID == "" {
		return nil
	}

	s.lifecycle.fire(triggerGapDetected)
	s.logger.Info("gap recovery started",
		slog.String("conversation_id", conversationID),
		slog.Int64("from_seq", fromSeq),
		slog.Int64("latest_seq", latestSeq),
	)

	cursor := fromSeq
	target := latestSeq

	for cursor <= target {
		page, err := s.fetchGapPage(ctx, conversationID, cursor)
		if err != nil {
			return &GapRecoveryError{FromSeq: cursor, Err: err}
		}

		if s.contextChanged(conversationID, epoch) {
			s.logger.Debug("gap recovery superseded, discarding page")
			return nil
		}

		s.applyMessages(ctx, page.Messages)

		if page.LatestSeq > target {
			target = page.LatestSeq
		}

		if page.NextFromSeq == nil {
			break
		}

		if *page.NextFromSeq <= cursor {
			// The server must advance the cursor; bail rather than spin.
			s.logger.Warn("history page did not advance", slog.Int64("cursor", cursor))
			break
		}

		cursor = *page.NextFromSeq
	}

	s.lifecycle.fire(triggerGapResolved)
	s.logger.Info("gap recovery complete", slog.Int64("latest_seq", target))

	return nil
}

// fetchGapPage fetches one history page with bounded retries and
// linearly growing backoff.
func (s *SyncClient) fetchGapPage(ctx context.Context, conversationID string, fromSeq int64) (*HistoryPage, error) {
	var lastErr error

	for attempt := 1; attempt <= gapMaxAttempts; attempt++ {
		page, err := s.api.History(ctx, conversationID, fromSeq, gapPageSize)
		if err == nil {
			return page, nil
		}

		lastErr = err
		s.logger.Warn("history fetch failed",
			slog.Int("attempt", attempt),
			slog.Int64("from_seq", fromSeq),
			slog.String("error", err.Error()),
		)

		if attempt == gapMaxAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * gapRetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}
