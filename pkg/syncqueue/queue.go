package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/smith3v/flashsync/pkg/config"
	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// Store is the part of the item store the queue works against.
type Store interface {
	UpsertSyncOperation(ctx context.Context, op *db.SyncOperation) (bool, error)
	RefreshPendingPayload(ctx context.Context, entityType, entityID string, kind db.SyncKind, payload datatypes.JSON) (bool, error)
	UpdateSyncOperationStatus(ctx context.Context, op db.SyncOperation, update db.StatusUpdate) error
	ListPendingSyncOperations(ctx context.Context, readyAt time.Time) ([]db.SyncOperation, error)
	ListSyncOperations(ctx context.Context, status db.SyncStatus) ([]db.SyncOperation, error)
	GetSyncOperation(ctx context.Context, id uint) (db.SyncOperation, error)
	RequeueFailed(ctx context.Context, id uint) (db.SyncOperation, error)
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountBy(ctx context.Context, p db.Predicate) (int64, error)
}

// Enqueuer is satisfied by *db.Store and by a transaction-bound store.
type Enqueuer interface {
	UpsertSyncOperation(ctx context.Context, op *db.SyncOperation) (bool, error)
	RefreshPendingPayload(ctx context.Context, entityType, entityID string, kind db.SyncKind, payload datatypes.JSON) (bool, error)
}

type Reachability interface {
	Reachable() bool
}

// Observer receives queue health signals.
type Observer interface {
	RetryExhausted(ctx context.Context, err *RetryExhaustedError)
}

type Config struct {
	MaxRetries         int
	CallTimeout        time.Duration
	Workers            int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	DrainInterval      time.Duration
	MinTriggerInterval time.Duration
	CleanupInterval    time.Duration
	SyncedRetention    time.Duration
}

func ConfigFrom(cfg config.SyncConfig) Config {
	return Config{
		MaxRetries:         cfg.MaxRetries,
		CallTimeout:        cfg.CallTimeout,
		Workers:            cfg.Workers,
		InitialBackoff:     cfg.InitialBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		DrainInterval:      cfg.DrainInterval,
		MinTriggerInterval: cfg.MinTriggerInterval,
		CleanupInterval:    cfg.CleanupInterval,
		SyncedRetention:    cfg.SyncedRetention,
	}
}

// Progress is reported after every finished operation of a drain.
type Progress struct {
	Done  int
	Total int
}

func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}

// Report summarises one drain. Skipped drains performed no remote calls.
type Report struct {
	Skipped   bool
	Reason    string
	Total     int
	Synced    int
	Retried   int
	Conflicts int
	Blocked   int
	Stale     int
	Cancelled int
	Exhausted []*RetryExhaustedError
}

func (r Report) Failed() int {
	return len(r.Exhausted)
}

const (
	reasonRunning     = "drain already running"
	reasonUnreachable = "remote unreachable"
)

type Queue struct {
	store    Store
	dispatch *Dispatch
	cfg      Config

	reach      Reachability
	credential func() string
	resolver   ConflictResolver
	observer   Observer
	progress   func(Progress)
	now        func() time.Time
	jitter     func() float64

	draining atomic.Bool
	kick     chan struct{}
}

type Option func(*Queue)

func WithReachability(r Reachability) Option {
	return func(q *Queue) { q.reach = r }
}

// WithCredential supplies the bearer credential for every delivery.
func WithCredential(credential func() string) Option {
	return func(q *Queue) { q.credential = credential }
}

func WithResolver(r ConflictResolver) Option {
	return func(q *Queue) { q.resolver = r }
}

func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

func WithProgress(fn func(Progress)) Option {
	return func(q *Queue) { q.progress = fn }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithJitter replaces the backoff jitter source. fn returns values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(q *Queue) { q.jitter = fn }
}

func New(store Store, dispatch *Dispatch, cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	q := &Queue{
		store:      store,
		dispatch:   dispatch,
		cfg:        cfg,
		credential: func() string { return "" },
		now:        func() time.Time { return time.Now().UTC() },
		jitter:     rand.Float64,
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueRequest describes a local mutation that must reach the authority.
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	Kind       db.SyncKind
	// Payload is marshalled to JSON unless it already is a json.RawMessage.
	Payload interface{}
	// Priority zero selects DefaultPriority for the entity type and kind.
	Priority int
	// Coalesce replaces the payload of an already pending operation for the
	// same entity and kind instead of dropping the new one.
	Coalesce bool
}

// DefaultPriority orders kinds so that an entity is created before it is
// reviewed, updated or deleted.
func DefaultPriority(entityType string, kind db.SyncKind) int {
	if entityType == db.EntityStudySession || entityType == db.EntityUserStats {
		return 1
	}
	switch kind {
	case db.KindCreate:
		return 10
	case db.KindUpdate:
		return 7
	case db.KindReview:
		return 5
	case db.KindDelete:
		return 3
	default:
		return 0
	}
}

// EnqueueInto records req in store. It returns false when an equivalent
// operation was already pending, in which case nothing new is queued.
func EnqueueInto(ctx context.Context, store Enqueuer, req EnqueueRequest) (bool, error) {
	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return false, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority(req.EntityType, req.Kind)
	}

	op := &db.SyncOperation{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Kind:       req.Kind,
		Payload:    payload,
		Priority:   priority,
	}
	inserted, err := store.UpsertSyncOperation(ctx, op)
	if err != nil {
		return false, err
	}
	if !inserted && req.Coalesce {
		if _, err := store.RefreshPendingPayload(ctx, req.EntityType, req.EntityID, req.Kind, payload); err != nil {
			return false, err
		}
	}
	if !inserted {
		logger.Debug("sync operation already pending", "entity_type", req.EntityType, "entity_id", req.EntityID, "kind", req.Kind)
	}
	return inserted, nil
}

// Enqueue records req and nudges a running Run loop.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (bool, error) {
	inserted, err := EnqueueInto(ctx, q.store, req)
	if err != nil {
		return false, err
	}
	q.Notify()
	return inserted, nil
}

// Notify asks the Run loop for a drain. It never blocks.
func (q *Queue) Notify() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func marshalPayload(payload interface{}) (datatypes.JSON, error) {
	switch v := payload.(type) {
	case nil:
		return datatypes.JSON([]byte("{}")), nil
	case json.RawMessage:
		return datatypes.JSON(v), nil
	case datatypes.JSON:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal sync payload: %w", err)
		}
		return datatypes.JSON(raw), nil
	}
}

// Drain delivers every pending operation whose backoff has elapsed.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	return q.drain(ctx, false)
}

// ForceSync drains immediately, ignoring retry backoff.
func (q *Queue) ForceSync(ctx context.Context) (Report, error) {
	return q.drain(ctx, true)
}

func (q *Queue) drain(ctx context.Context, ignoreBackoff bool) (Report, error) {
	if !q.draining.CompareAndSwap(false, true) {
		logger.Debug("sync drain skipped", "reason", reasonRunning)
		return Report{Skipped: true, Reason: reasonRunning}, nil
	}
	defer q.draining.Store(false)

	if q.reach != nil && !q.reach.Reachable() {
		logger.Debug("sync drain skipped", "reason", reasonUnreachable)
		return Report{Skipped: true, Reason: reasonUnreachable}, nil
	}

	readyAt := q.now()
	if ignoreBackoff {
		readyAt = time.Time{}
	}
	ops, err := q.store.ListPendingSyncOperations(ctx, readyAt)
	if err != nil {
		return Report{}, err
	}

	report := Report{Total: len(ops)}
	if len(ops) == 0 {
		q.reportProgress(Progress{})
		return report, nil
	}
	logger.Info("sync drain started", "pending", len(ops), "force", ignoreBackoff)

	d := &drainRun{queue: q, report: &report, total: len(ops)}
	err = d.run(ctx, ops)

	logger.Info("sync drain finished",
		"total", report.Total,
		"synced", report.Synced,
		"retried", report.Retried,
		"failed", report.Failed(),
		"conflicts", report.Conflicts,
		"blocked", report.Blocked,
		"cancelled", report.Cancelled,
	)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return report, err
}

// entityLane holds the operations of one entity, oldest first.
type entityLane struct {
	ops       []db.SyncOperation
	next      int
	busy      bool
	stopped   bool
	cancelled bool
}

func (l *entityLane) head() *db.SyncOperation {
	if l.next >= len(l.ops) {
		return nil
	}
	return &l.ops[l.next]
}

func laneKey(op db.SyncOperation) string {
	return op.EntityType + "\x00" + op.EntityID
}

func buildLanes(ops []db.SyncOperation) map[string]*entityLane {
	lanes := map[string]*entityLane{}
	for _, op := range ops {
		key := laneKey(op)
		lane, ok := lanes[key]
		if !ok {
			lane = &entityLane{}
			lanes[key] = lane
		}
		lane.ops = append(lane.ops, op)
	}
	for _, lane := range lanes {
		sort.SliceStable(lane.ops, func(i, j int) bool {
			a, b := lane.ops[i], lane.ops[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}
	return lanes
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetried
	outcomeExhausted
	outcomeConflict
	outcomeStale
	outcomeCancelled
)

type delivery struct {
	key       string
	result    outcome
	exhausted *RetryExhaustedError
	err       error
}

type drainRun struct {
	queue  *Queue
	total  int
	done   int
	report *Report
}

// run walks ops in delivery order. An operation starts only when it is the
// oldest undelivered operation of its entity and no other operation of that
// entity is in flight. Operations of different priority never overlap, so
// with several workers a card's create still lands before reviews of it.
// Any outcome other than synced stops the entity for the rest of the drain.
func (d *drainRun) run(ctx context.Context, ops []db.SyncOperation) error {
	lanes := buildLanes(ops)
	started := make([]bool, len(ops))
	deliveries := make(chan delivery)
	var (
		g              errgroup.Group
		inFlight       int
		flightPriority int
		firstErr       error
	)

	for {
		for firstErr == nil && ctx.Err() == nil && inFlight < d.queue.cfg.Workers {
			i := nextReady(ops, started, lanes, inFlight, flightPriority)
			if i < 0 {
				break
			}
			op := ops[i]
			lane := lanes[laneKey(op)]
			started[i] = true
			lane.busy = true
			lane.next++
			inFlight++
			flightPriority = op.Priority
			g.Go(func() error {
				result, exhausted, err := d.queue.deliver(ctx, op, false)
				deliveries <- delivery{key: laneKey(op), result: result, exhausted: exhausted, err: err}
				return err
			})
		}
		if inFlight == 0 {
			break
		}

		got := <-deliveries
		inFlight--
		lane := lanes[got.key]
		lane.busy = false
		if got.err != nil {
			if firstErr == nil {
				firstErr = got.err
			}
			lane.stopped = true
			continue
		}
		d.record(got)
		if got.result != outcomeSynced {
			// Later operations of this entity wait for the next drain.
			lane.stopped = true
			lane.cancelled = got.result == outcomeCancelled
		}
	}
	_ = g.Wait()

	for _, lane := range lanes {
		left := len(lane.ops) - lane.next
		if left == 0 {
			continue
		}
		switch {
		case lane.cancelled, !lane.stopped && ctx.Err() != nil:
			d.report.Cancelled += left
		case lane.stopped:
			d.report.Blocked += left
		}
	}
	return firstErr
}

// nextReady returns the index of the first startable operation in ops, or -1.
func nextReady(ops []db.SyncOperation, started []bool, lanes map[string]*entityLane, inFlight, flightPriority int) int {
	for i, op := range ops {
		if started[i] {
			continue
		}
		if inFlight > 0 && op.Priority != flightPriority {
			continue
		}
		lane := lanes[laneKey(op)]
		if lane.busy || lane.stopped {
			continue
		}
		if head := lane.head(); head == nil || head.ID != op.ID {
			continue
		}
		return i
	}
	return -1
}

func (d *drainRun) record(got delivery) {
	r := d.report
	switch got.result {
	case outcomeSynced:
		r.Synced++
	case outcomeRetried:
		r.Retried++
	case outcomeExhausted:
		r.Exhausted = append(r.Exhausted, got.exhausted)
	case outcomeConflict:
		r.Conflicts++
	case outcomeStale:
		r.Stale++
	case outcomeCancelled:
		r.Cancelled++
	}
	d.done++
	d.queue.reportProgress(Progress{Done: d.done, Total: d.total})
}

func (q *Queue) reportProgress(p Progress) {
	if q.progress != nil {
		q.progress(p)
	}
}

// deliver performs one attempt for op and records the outcome with a
// compare-and-set on the operation row. Only store failures are returned as
// errors.
func (q *Queue) deliver(ctx context.Context, op db.SyncOperation, force bool) (outcome, *RetryExhaustedError, error) {
	var (
		result Result
		err    error
	)
	handler, lookupErr := q.dispatch.Lookup(op.EntityType, op.Kind)
	if lookupErr != nil {
		err = lookupErr
	} else {
		callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
		result, err = handler.Apply(callCtx, Request{Op: op, Credential: q.credential(), Force: force})
		cancel()
	}

	if ctx.Err() != nil {
		// Cancelled mid-call: the operation keeps its current state.
		return outcomeCancelled, nil, nil
	}

	switch {
	case err != nil:
		return q.reject(ctx, op, err)
	case result.Conflict:
		return q.conflict(ctx, op, result)
	default:
		return q.markSynced(ctx, op)
	}
}

func (q *Queue) markSynced(ctx context.Context, op db.SyncOperation) (outcome, *RetryExhaustedError, error) {
	now := q.now()
	err := q.store.UpdateSyncOperationStatus(ctx, op, db.StatusUpdate{
		Status:     db.StatusSynced,
		RetryCount: op.RetryCount,
		SyncedAt:   &now,
	})
	if errors.Is(err, db.ErrStaleOperation) {
		logger.Info("sync operation changed during delivery, keeping it pending", "id", op.ID)
		return outcomeStale, nil, nil
	}
	if err != nil {
		return outcomeSynced, nil, err
	}
	logger.Debug("sync operation delivered", "id", op.ID, "entity_type", op.EntityType, "kind", op.Kind)
	return outcomeSynced, nil, nil
}

func (q *Queue) reject(ctx context.Context, op db.SyncOperation, cause error) (outcome, *RetryExhaustedError, error) {
	retries := op.RetryCount + 1
	update := db.StatusUpdate{
		Status:     db.StatusPending,
		RetryCount: retries,
		LastError:  truncate(cause.Error(), 1024),
	}
	exhausted := retries >= q.cfg.MaxRetries
	if exhausted {
		update.Status = db.StatusFailed
	} else {
		next := q.now().Add(q.backoff(retries))
		update.NextAttemptAt = &next
	}

	err := q.store.UpdateSyncOperationStatus(ctx, op, update)
	if errors.Is(err, db.ErrStaleOperation) {
		return outcomeStale, nil, nil
	}
	if err != nil {
		return outcomeRetried, nil, err
	}

	if !exhausted {
		logger.Warn("sync operation rejected, will retry",
			"id", op.ID, "entity_type", op.EntityType, "kind", op.Kind,
			"retry_count", retries, "next_attempt_at", update.NextAttemptAt, "error", cause)
		return outcomeRetried, nil, nil
	}

	failed := op
	failed.Status = db.StatusFailed
	failed.RetryCount = retries
	failed.LastError = update.LastError
	exhaustedErr := &RetryExhaustedError{Op: failed, Err: cause}
	logger.Error("sync operation failed permanently", "id", op.ID, "entity_type", op.EntityType, "kind", op.Kind, "error", cause)
	if q.observer != nil {
		q.observer.RetryExhausted(ctx, exhaustedErr)
	}
	return outcomeExhausted, exhaustedErr, nil
}

// backoff returns the wait before attempt retries+1: InitialBackoff doubled per
// earlier failure, capped at MaxBackoff, with ±20% jitter.
func (q *Queue) backoff(retries int) time.Duration {
	if q.cfg.InitialBackoff <= 0 {
		return 0
	}
	wait := float64(q.cfg.InitialBackoff) * math.Pow(2, float64(retries-1))
	if q.cfg.MaxBackoff > 0 && wait > float64(q.cfg.MaxBackoff) {
		wait = float64(q.cfg.MaxBackoff)
	}
	wait += wait * 0.2 * (2*q.jitter() - 1)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// PendingCount is the number of operations still waiting for delivery.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.store.CountBy(ctx, db.SyncOperationsWithStatus(db.StatusPending))
}

// Failed lists operations that exhausted their retries.
func (q *Queue) Failed(ctx context.Context) ([]db.SyncOperation, error) {
	return q.store.ListSyncOperations(ctx, db.StatusFailed)
}

// RetryFailed gives a failed operation a fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context, id uint) (db.SyncOperation, error) {
	op, err := q.store.RequeueFailed(ctx, id)
	if err != nil {
		return db.SyncOperation{}, err
	}
	logger.Info("failed sync operation requeued", "id", id)
	q.Notify()
	return op, nil
}

// Cleanup deletes synced operations older than maxAge. Failed operations stay.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	deleted, err := q.store.DeleteSyncedBefore(ctx, q.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logger.Info("cleaned up synced operations", "count", deleted, "max_age", maxAge)
	}
	return deleted, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
