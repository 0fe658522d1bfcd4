package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
	"gorm.io/datatypes"
)

type Strategy string

const (
	UseLocal  Strategy = "use_local"
	UseRemote Strategy = "use_remote"
	Merge     Strategy = "merge"
)

func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(value) {
	case UseLocal, "local":
		return UseLocal, nil
	case UseRemote, "remote":
		return UseRemote, nil
	case Merge:
		return Merge, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, value)
	}
}

// Resolution settles a conflict. Payload is required for Merge and holds the
// merged version that replaces both copies.
type Resolution struct {
	Strategy Strategy
	Payload  json.RawMessage
}

// Conflict is handed to the resolver when the authority reports a version
// mismatch.
type Conflict struct {
	Op     db.SyncOperation
	Remote json.RawMessage
}

// ConflictResolver decides conflicts during a drain. Returning false leaves the
// operation pending without using up a retry. A resolver choosing UseRemote is
// responsible for applying the remote copy locally first.
type ConflictResolver interface {
	Resolve(ctx context.Context, conflict Conflict) (Resolution, bool)
}

type ConflictResolverFunc func(ctx context.Context, conflict Conflict) (Resolution, bool)

func (f ConflictResolverFunc) Resolve(ctx context.Context, conflict Conflict) (Resolution, bool) {
	return f(ctx, conflict)
}

func (q *Queue) conflict(ctx context.Context, op db.SyncOperation, result Result) (outcome, *RetryExhaustedError, error) {
	logger.Warn("sync conflict reported by remote", "id", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID, "kind", op.Kind)
	if q.resolver == nil {
		return outcomeConflict, nil, nil
	}
	resolution, ok := q.resolver.Resolve(ctx, Conflict{Op: op, Remote: result.Remote})
	if !ok {
		return outcomeConflict, nil, nil
	}
	return q.resolve(ctx, op, resolution)
}

// ResolveConflict applies resolution to the pending operation id. UseLocal and
// Merge redeliver with Force set; UseRemote settles the operation without a
// remote call.
func (q *Queue) ResolveConflict(ctx context.Context, id uint, resolution Resolution) error {
	op, err := q.store.GetSyncOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != db.StatusPending {
		return fmt.Errorf("%w: operation %d is %s", ErrNotPending, id, op.Status)
	}
	result, exhausted, err := q.resolve(ctx, op, resolution)
	if err != nil {
		return err
	}
	switch result {
	case outcomeExhausted:
		return exhausted
	case outcomeConflict:
		return fmt.Errorf("operation %d still conflicts after %s", id, resolution.Strategy)
	case outcomeStale:
		return db.ErrStaleOperation
	case outcomeCancelled:
		return ctx.Err()
	}
	return nil
}

func (q *Queue) resolve(ctx context.Context, op db.SyncOperation, resolution Resolution) (outcome, *RetryExhaustedError, error) {
	logger.Info("resolving sync conflict", "id", op.ID, "strategy", resolution.Strategy)
	switch resolution.Strategy {
	case UseRemote:
		return q.markSynced(ctx, op)
	case UseLocal:
		return q.deliverForced(ctx, op)
	case Merge:
		if len(resolution.Payload) == 0 || !json.Valid(resolution.Payload) {
			return outcomeConflict, nil, errors.New("merge resolution needs a valid JSON payload")
		}
		payload := datatypes.JSON(resolution.Payload)
		if _, err := q.store.RefreshPendingPayload(ctx, op.EntityType, op.EntityID, op.Kind, payload); err != nil {
			return outcomeConflict, nil, err
		}
		refreshed, err := q.store.GetSyncOperation(ctx, op.ID)
		if err != nil {
			return outcomeConflict, nil, err
		}
		return q.deliverForced(ctx, refreshed)
	default:
		return outcomeConflict, nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, resolution.Strategy)
	}
}

// deliverForced redelivers op with Force. A second conflict on a forced
// delivery counts as a rejection so it cannot loop forever.
func (q *Queue) deliverForced(ctx context.Context, op db.SyncOperation) (outcome, *RetryExhaustedError, error) {
	handler, err := q.dispatch.Lookup(op.EntityType, op.Kind)
	if err != nil {
		return q.reject(ctx, op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	result, err := handler.Apply(callCtx, Request{Op: op, Credential: q.credential(), Force: true})
	cancel()
	if ctx.Err() != nil {
		return outcomeCancelled, nil, nil
	}
	switch {
	case err != nil:
		return q.reject(ctx, op, err)
	case result.Conflict:
		return q.reject(ctx, op, errors.New("remote still reports a conflict on forced delivery"))
	default:
		return q.markSynced(ctx, op)
	}
}
