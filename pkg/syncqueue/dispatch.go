package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/remote"
)

// Request is what a handler receives for one delivery attempt.
type Request struct {
	Op         db.SyncOperation
	Credential string
	// Force asks the authority to overwrite its copy. Set when a conflict is
	// resolved in favour of the local or merged version.
	Force bool
}

// Result of a delivery. A conflict is not an error: it is routed to the
// conflict hook and does not use up a retry.
type Result struct {
	Conflict bool
	Remote   json.RawMessage
}

type Handler interface {
	Apply(ctx context.Context, req Request) (Result, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Apply(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

type dispatchKey struct {
	entityType string
	kind       db.SyncKind
}

// Dispatch maps (entity type, kind) pairs onto handlers.
type Dispatch struct {
	mu       sync.RWMutex
	handlers map[dispatchKey]Handler
}

func NewDispatch() *Dispatch {
	return &Dispatch{handlers: map[dispatchKey]Handler{}}
}

func (d *Dispatch) Register(entityType string, kind db.SyncKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[dispatchKey{entityType, kind}] = h
}

func (d *Dispatch) Lookup(entityType string, kind db.SyncKind) (Handler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[dispatchKey{entityType, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoHandler, entityType, kind)
	}
	return h, nil
}

// Remote is the authority client used by RemoteDispatch.
type Remote interface {
	Upsert(ctx context.Context, resource, id string, payload json.RawMessage, credential string, force bool) error
	Delete(ctx context.Context, resource, id, credential string) error
	Append(ctx context.Context, resource, key string, payload json.RawMessage, credential string) error
}

// RemoteDispatch wires every known entity type to the authority. Creates and
// updates are idempotent upserts matched by id; reviews are appended with the
// event id as idempotency key.
func RemoteDispatch(client Remote) *Dispatch {
	d := NewDispatch()
	for entityType, resource := range remote.Resources {
		upsert := upsertHandler{client: client, resource: resource}
		d.Register(entityType, db.KindCreate, upsert)
		d.Register(entityType, db.KindUpdate, upsert)
		d.Register(entityType, db.KindDelete, deleteHandler{client: client, resource: resource})
	}
	d.Register(db.EntityReviewEvent, db.KindReview, appendHandler{client: client, resource: remote.Resources[db.EntityReviewEvent]})
	return d
}

type upsertHandler struct {
	client   Remote
	resource string
}

func (h upsertHandler) Apply(ctx context.Context, req Request) (Result, error) {
	err := h.client.Upsert(ctx, h.resource, req.Op.EntityID, json.RawMessage(req.Op.Payload), req.Credential, req.Force)
	return conflictResult(err)
}

type deleteHandler struct {
	client   Remote
	resource string
}

func (h deleteHandler) Apply(ctx context.Context, req Request) (Result, error) {
	return conflictResult(h.client.Delete(ctx, h.resource, req.Op.EntityID, req.Credential))
}

type appendHandler struct {
	client   Remote
	resource string
}

func (h appendHandler) Apply(ctx context.Context, req Request) (Result, error) {
	err := h.client.Append(ctx, h.resource, req.Op.EntityID, json.RawMessage(req.Op.Payload), req.Credential)
	return conflictResult(err)
}

func conflictResult(err error) (Result, error) {
	var conflict *remote.ConflictError
	if errors.As(err, &conflict) {
		return Result{Conflict: true, Remote: conflict.Remote}, nil
	}
	return Result{}, err
}
