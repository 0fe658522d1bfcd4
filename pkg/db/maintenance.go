package db

import (
	"context"
	"time"

	"github.com/smith3v/flashsync/pkg/logger"
)

const SilenceSweepInterval = 15 * time.Minute

// ClearExpiredSilences resets temporary silences that ended at or before now.
// Queries treat such decks as active anyway; the sweep only tidies the rows.
func (s *Store) ClearExpiredSilences(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Deck{}).
		Where("silence = ? AND silenced_until IS NOT NULL AND silenced_until <= ?", SilenceTemporary, now.UTC()).
		Updates(map[string]interface{}{
			"silence":        SilenceNone,
			"silenced_until": nil,
			"updated_at":     s.now(),
		})
	if res.Error != nil {
		return 0, unavailable("clear expired silences", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteSyncedBefore removes synced operations acknowledged before cutoff.
// Failed operations are never removed here.
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND synced_at IS NOT NULL AND synced_at < ?", StatusSynced, cutoff.UTC()).
		Delete(&SyncOperation{})
	if res.Error != nil {
		return 0, unavailable("delete synced operations", res.Error)
	}
	return res.RowsAffected, nil
}

// StartSilenceSweep clears expired silences every interval until ctx ends.
func StartSilenceSweep(ctx context.Context, store *Store, interval time.Duration) {
	if interval <= 0 {
		interval = SilenceSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleared, err := store.ClearExpiredSilences(ctx, store.now())
			if err != nil {
				logger.Error("failed to clear expired silences", "error", err)
				continue
			}
			if cleared > 0 {
				logger.Info("cleared expired deck silences", "count", cleared)
			}
		}
	}
}
