package db

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertSyncOperation inserts op as a pending operation. When a pending
// operation with the same entity and kind already exists nothing is written
// and inserted is false.
func (s *Store) UpsertSyncOperation(ctx context.Context, op *SyncOperation) (bool, error) {
	now := s.now()
	op.ID = 0
	op.Status = StatusPending
	op.RetryCount = 0
	op.Revision = 0
	op.LastError = ""
	op.NextAttemptAt = nil
	op.SyncedAt = nil
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = now

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(op)
	if res.Error != nil {
		return false, unavailable("upsert sync operation", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RefreshPendingPayload replaces the payload of the pending operation for the
// entity and kind and bumps its revision, so an in-flight delivery of the old
// payload cannot mark it synced.
func (s *Store) RefreshPendingPayload(ctx context.Context, entityType, entityID string, kind SyncKind, payload datatypes.JSON) (bool, error) {
	res := s.db.WithContext(ctx).Model(&SyncOperation{}).
		Where("entity_type = ? AND entity_id = ? AND kind = ? AND status = ?", entityType, entityID, kind, StatusPending).
		Updates(map[string]interface{}{
			"payload":    payload,
			"revision":   gorm.Expr("revision + 1"),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, unavailable("refresh pending payload", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// StatusUpdate is the new state written by UpdateSyncOperationStatus.
type StatusUpdate struct {
	Status        SyncStatus
	RetryCount    int
	LastError     string
	NextAttemptAt *time.Time
	SyncedAt      *time.Time
}

// UpdateSyncOperationStatus writes update only if the row still matches the
// status, retry count and revision of op. Otherwise ErrStaleOperation is
// returned and nothing changes.
func (s *Store) UpdateSyncOperationStatus(ctx context.Context, op SyncOperation, update StatusUpdate) error {
	values := map[string]interface{}{
		"status":          update.Status,
		"retry_count":     update.RetryCount,
		"last_error":      update.LastError,
		"next_attempt_at": utcPtr(update.NextAttemptAt),
		"synced_at":       utcPtr(update.SyncedAt),
		"updated_at":      s.now(),
	}
	res := s.db.WithContext(ctx).Model(&SyncOperation{}).
		Where("id = ? AND status = ? AND retry_count = ? AND revision = ?", op.ID, op.Status, op.RetryCount, op.Revision).
		Updates(values)
	if res.Error != nil {
		return unavailable("update sync operation status", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleOperation
	}
	return nil
}

func (s *Store) GetSyncOperation(ctx context.Context, id uint) (SyncOperation, error) {
	var op SyncOperation
	if err := s.db.WithContext(ctx).First(&op, id).Error; err != nil {
		return SyncOperation{}, unavailable("get sync operation", err)
	}
	return op, nil
}

// waitingPredecessorCondition matches operations that have an older pending
// operation on the same entity still inside its backoff window.
const waitingPredecessorCondition = `NOT EXISTS (
	SELECT 1 FROM sync_operations AS earlier
	WHERE earlier.status = ?
	  AND earlier.entity_type = sync_operations.entity_type
	  AND earlier.entity_id = sync_operations.entity_id
	  AND earlier.next_attempt_at > ?
	  AND (earlier.created_at < sync_operations.created_at
	       OR (earlier.created_at = sync_operations.created_at AND earlier.id < sync_operations.id)))`

// ListPendingSyncOperations returns pending operations in delivery order:
// priority descending, then oldest first. A non-zero readyAt skips operations
// whose backoff has not elapsed, together with every later operation of the
// same entity.
func (s *Store) ListPendingSyncOperations(ctx context.Context, readyAt time.Time) ([]SyncOperation, error) {
	q := s.db.WithContext(ctx).Where("status = ?", StatusPending)
	if !readyAt.IsZero() {
		ready := readyAt.UTC()
		q = q.Where("next_attempt_at IS NULL OR next_attempt_at <= ?", ready).
			Where(waitingPredecessorCondition, StatusPending, ready)
	}
	ops := []SyncOperation{}
	if err := q.Order("priority DESC, created_at ASC, id ASC").Find(&ops).Error; err != nil {
		return nil, unavailable("list pending sync operations", err)
	}
	return ops, nil
}

func (s *Store) ListSyncOperations(ctx context.Context, status SyncStatus) ([]SyncOperation, error) {
	ops := []SyncOperation{}
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC, id ASC").
		Find(&ops).Error
	if err != nil {
		return nil, unavailable("list sync operations", err)
	}
	return ops, nil
}

// RequeueFailed moves a failed operation back to pending with a fresh retry
// budget. It fails with ErrStaleOperation if the operation is not failed or a
// pending operation for the same entity and kind already exists.
func (s *Store) RequeueFailed(ctx context.Context, id uint) (SyncOperation, error) {
	op, err := s.GetSyncOperation(ctx, id)
	if err != nil {
		return SyncOperation{}, err
	}
	if op.Status != StatusFailed {
		return SyncOperation{}, ErrStaleOperation
	}

	var pending int64
	err = s.db.WithContext(ctx).Model(&SyncOperation{}).
		Where("entity_type = ? AND entity_id = ? AND kind = ? AND status = ?", op.EntityType, op.EntityID, op.Kind, StatusPending).
		Count(&pending).Error
	if err != nil {
		return SyncOperation{}, unavailable("requeue failed operation", err)
	}
	if pending > 0 {
		return SyncOperation{}, ErrStaleOperation
	}

	if err := s.UpdateSyncOperationStatus(ctx, op, StatusUpdate{Status: StatusPending}); err != nil {
		return SyncOperation{}, err
	}
	return s.GetSyncOperation(ctx, id)
}

// DropPendingSyncOperations deletes the pending operations of the given
// entities. Synced and failed rows are kept.
func (s *Store) DropPendingSyncOperations(ctx context.Context, entityType string, entityIDs []string) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("status = ? AND entity_type = ? AND entity_id IN ?", StatusPending, entityType, entityIDs).
		Delete(&SyncOperation{})
	if res.Error != nil {
		return 0, unavailable("drop pending sync operations", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) CreateStudySession(ctx context.Context, session *StudySession) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now()
	}
	session.StartedAt = session.StartedAt.UTC()
	if session.DeckIDs == nil {
		session.DeckIDs = datatypes.JSON([]byte("[]"))
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return unavailable("create study session", err)
	}
	return nil
}

func (s *Store) GetStudySession(ctx context.Context, id string) (StudySession, error) {
	var session StudySession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return StudySession{}, unavailable("get study session", err)
	}
	return session, nil
}

// StudyTime sums the length of every finished study session.
func (s *Store) StudyTime(ctx context.Context) (time.Duration, error) {
	var sessions []StudySession
	err := s.db.WithContext(ctx).
		Select("started_at", "finished_at").
		Where("finished_at IS NOT NULL").
		Find(&sessions).Error
	if err != nil {
		return 0, unavailable("sum study time", err)
	}
	var total time.Duration
	for _, session := range sessions {
		if d := session.FinishedAt.Sub(session.StartedAt); d > 0 {
			total += d
		}
	}
	return total, nil
}

// FinishStudySession records the reviewed count and the finish time once.
func (s *Store) FinishStudySession(ctx context.Context, id string, reviewed int) (StudySession, error) {
	res := s.db.WithContext(ctx).Model(&StudySession{}).
		Where("id = ? AND finished_at IS NULL", id).
		Updates(map[string]interface{}{
			"reviewed_count": reviewed,
			"finished_at":    s.now(),
		})
	if res.Error != nil {
		return StudySession{}, unavailable("finish study session", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetStudySession(ctx, id); err != nil {
			return StudySession{}, err
		}
		return StudySession{}, ErrStaleOperation
	}
	return s.GetStudySession(ctx, id)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
