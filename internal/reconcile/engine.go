package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CityPulseResearchLab/citypulse/client/internal/entity"
	"github.com/CityPulseResearchLab/citypulse/client/internal/notify"
	"github.com/CityPulseResearchLab/citypulse/client/internal/session"
	"github.com/CityPulseResearchLab/citypulse/client/internal/transport"
)

// Kind enumerates user-initiated mutation kinds.
type Kind string

const (
	// KindCreate inserts a new entity.
	KindCreate Kind = "create"
	// KindUpdate replaces fields of an existing entity.
	KindUpdate Kind = "update"
	// KindDelete removes an existing entity.
	KindDelete Kind = "delete"
)

// PushAction enumerates the push-channel event names per entity type.
type PushAction string

const (
	// ActionCreated announces a server-side insert.
	ActionCreated PushAction = "created"
	// ActionUpdated announces a server-side update.
	ActionUpdated PushAction = "updated"
	// ActionDeleted announces a server-side delete.
	ActionDeleted PushAction = "deleted"
)

// PushEvent is one reconciliation input delivered by the push channel. For
// deletions only the entity id is meaningful.
type PushEvent struct {
	Action PushAction
	Entity entity.Entity
}

// PendingOperation tracks one in-flight optimistic mutation. Previous holds
// the value to restore on rollback; nil for creates, where rollback removes
// the optimistic entity.
type PendingOperation struct {
	EntityID    entity.ID
	Kind        Kind
	SubmittedAt time.Time
	Previous    *entity.Entity
}

// Transport is the REST surface the engine drives.
type Transport interface {
	ListEntities(ctx context.Context, entityType entity.Type) ([]entity.Entity, error)
	CreateEntity(ctx context.Context, entityType entity.Type, fields map[string]any) (entity.Entity, error)
	UpdateEntity(ctx context.Context, entityType entity.Type, id entity.ID, fields map[string]any) (entity.Entity, error)
	DeleteEntity(ctx context.Context, entityType entity.Type, id entity.ID) error
}

// Users gates mutation eligibility.
type Users interface {
	CurrentUser() *session.User
}

// Notifier surfaces user-visible failure and broadcast notices.
type Notifier interface {
	Push(record notify.Record) (int64, bool)
}

var (
	errMissingStore     = errors.New("reconcile: entity store is required")
	errMissingTransport = errors.New("reconcile: transport is required")
	errMissingUsers     = errors.New("reconcile: user source is required")

	noOpLogger = zap.NewNop()
)

// EngineConfig describes the reconciliation engine dependencies.
type EngineConfig struct {
	Store      *entity.Store
	Transport  Transport
	Users      Users
	Notifier   Notifier
	IDProvider entity.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine reconciles three event sources into the entity store: local
// optimistic mutations, their REST confirmations, and push-channel
// notifications. It is the store's only writer.
type Engine struct {
	mu     sync.Mutex
	states map[entity.ID]*idState

	store      *entity.Store
	transport  Transport
	users      Users
	notifier   Notifier
	idProvider entity.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// idState carries the per-id pending marker, the FIFO of queued mutations and
// the push events buffered while an operation is in flight. The transport
// gives no ordering between a REST completion and a push callback for the
// same id; buffering until the pending operation resolves is the
// application-level substitute for a lock on that timeline.
type idState struct {
	op         *PendingOperation
	entityType entity.Type
	reserved   bool
	buffered   []PushEvent
	waiters    []chan struct{}
}

// NewEngine constructs a reconciliation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Transport == nil {
		return nil, newError(opEngineNew, "missing_transport", errMissingTransport)
	}
	if cfg.Users == nil {
		return nil, newError(opEngineNew, "missing_users", errMissingUsers)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = entity.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		states:     make(map[entity.ID]*idState),
		store:      cfg.Store,
		transport:  cfg.Transport,
		users:      cfg.Users,
		notifier:   cfg.Notifier,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Mutate applies the optimistic value immediately, issues the REST call, and
// returns the server-confirmed entity. A failed call rolls the store back to
// the pre-mutation snapshot and is never retried automatically. Mutations on
// an id with an in-flight operation queue behind it.
func (e *Engine) Mutate(ctx context.Context, entityType entity.Type, kind Kind, id entity.ID, fields map[string]any) (entity.Entity, error) {
	if e.users.CurrentUser() == nil {
		return entity.Entity{}, newError(opMutate, "not_authenticated", ErrNotAuthenticated)
	}

	switch kind {
	case KindCreate:
		if len(fields) == 0 {
			return entity.Entity{}, newError(opMutate, "empty_payload", ErrInvalidMutation)
		}
		tempID, err := e.idProvider.NewTemporaryID()
		if err != nil {
			return entity.Entity{}, newError(opMutate, "id_generation_failed", err)
		}
		id = tempID
	case KindUpdate:
		if id == "" {
			return entity.Entity{}, newError(opMutate, "missing_id", ErrInvalidMutation)
		}
		if len(fields) == 0 {
			return entity.Entity{}, newError(opMutate, "empty_payload", ErrInvalidMutation)
		}
	case KindDelete:
		if id == "" {
			return entity.Entity{}, newError(opMutate, "missing_id", ErrInvalidMutation)
		}
	default:
		return entity.Entity{}, newError(opMutate, "unknown_kind", ErrInvalidMutation)
	}

	if err := e.acquire(ctx, id, entityType); err != nil {
		return entity.Entity{}, err
	}

	op, err := e.applyOptimistic(entityType, kind, id, fields)
	if err != nil {
		e.release(id)
		return entity.Entity{}, err
	}

	confirmed, callErr := e.call(ctx, entityType, kind, id, fields)

	e.mu.Lock()
	state := e.states[id]
	if callErr != nil {
		e.rollbackLocked(id, op)
	} else {
		confirmed = e.confirmLocked(id, op, confirmed)
	}
	if state != nil {
		state.op = nil
		e.replayBufferedLocked(state)
		e.wakeNextLocked(id, state)
	}
	e.mu.Unlock()

	if callErr != nil {
		e.notifyFailure(entityType, kind, callErr)
		reason := "transport_failed"
		if transport.IsConflict(callErr) {
			reason = "conflict"
		}
		return entity.Entity{}, newError(opMutate, reason, callErr)
	}
	return confirmed, nil
}

// HandlePush reconciles one push-channel event. Events for an id with an
// in-flight operation are buffered and replayed after it resolves so a stale
// broadcast can never overwrite the optimistic value; everything else is
// applied directly. Duplicate deliveries are no-ops.
func (e *Engine) HandlePush(event PushEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event.Entity.ID == "" {
		return
	}
	if state, ok := e.states[event.Entity.ID]; ok && (state.op != nil || state.reserved) {
		state.buffered = append(state.buffered, event)
		return
	}
	e.applyPushLocked(event)
}

// HandleFrame decodes a raw channel frame into engine input. Entity frames
// feed HandlePush; notify frames feed the notification center. Unknown
// frames are dropped.
func (e *Engine) HandleFrame(frame transport.Frame) {
	if frame.Event == "notify" {
		e.handleBroadcast(frame.Payload)
		return
	}
	typeName, actionName, ok := strings.Cut(frame.Event, ":")
	if !ok {
		return
	}
	entityType, err := entity.ParseType(typeName)
	if err != nil {
		e.logger.Debug("dropping frame for unknown entity type", zap.String("event", frame.Event))
		return
	}
	var action PushAction
	switch PushAction(actionName) {
	case ActionCreated, ActionUpdated, ActionDeleted:
		action = PushAction(actionName)
	default:
		return
	}
	decoded, err := transport.DecodeEntity(entityType, frame.Payload)
	if err != nil {
		e.logger.Warn("dropping undecodable push payload",
			zap.String("event", frame.Event),
			zap.Error(err))
		return
	}
	e.HandlePush(PushEvent{Action: action, Entity: decoded})
}

// Resync re-fetches every entity type and installs the result as the new
// authoritative snapshot. Ids with an in-flight operation keep their
// optimistic value until that operation resolves. Called after every channel
// reconnect: missed events cannot be replayed from a channel with no durable
// log.
func (e *Engine) Resync(ctx context.Context) error {
	var fetched []entity.Entity
	for _, entityType := range []entity.Type{entity.TypeEvent, entity.TypeBookmark, entity.TypeComment} {
		entities, err := e.transport.ListEntities(ctx, entityType)
		if err != nil {
			e.logger.Error("resync fetch failed",
				zap.String("operation", opResync),
				zap.String("entity_type", entityType.String()),
				zap.Error(err))
			if e.notifier != nil {
				e.notifier.Push(notify.Record{
					Type:      "error",
					Message:   "Failed to synchronize with the server",
					AutoClose: 5 * time.Second,
				})
			}
			return newError(opResync, "fetch_failed", err)
		}
		fetched = append(fetched, entities...)
	}

	e.mu.Lock()
	keep := make(map[entity.ID]struct{})
	for id, state := range e.states {
		if state.op != nil || state.reserved {
			keep[id] = struct{}{}
		}
	}
	e.store.Replace(fetched, keep)
	e.mu.Unlock()

	e.logger.Info("resync complete", zap.Int("entities", len(fetched)))
	return nil
}

// Subscription is a push feed the engine can own. Run blocks until ctx is
// done, invoking onConnect after every successful dial and onFrame for every
// decoded frame.
type Subscription interface {
	Run(ctx context.Context, onConnect func(reconnect bool), onFrame func(transport.Frame))
}

// Run attaches the engine to the push channel and blocks until ctx is done.
// All subscription management lives here: frames are dispatched into the
// store and every (re)connect triggers a full resynchronization, so callers
// never wire channel handlers themselves.
func (e *Engine) Run(ctx context.Context, channel Subscription) {
	channel.Run(ctx, func(reconnect bool) {
		if reconnect {
			e.logger.Info("channel reconnected, resynchronizing")
		}
		go func() {
			if err := e.Resync(ctx); err != nil {
				e.logger.Error("resynchronization failed", zap.Error(err))
			}
		}()
	}, e.HandleFrame)
}

func (e *Engine) acquire(ctx context.Context, id entity.ID, entityType entity.Type) error {
	e.mu.Lock()
	state, ok := e.states[id]
	if !ok {
		state = &idState{entityType: entityType}
		e.states[id] = state
	}
	if state.op == nil && !state.reserved && len(state.waiters) == 0 {
		state.reserved = true
		e.mu.Unlock()
		return nil
	}
	gate := make(chan struct{})
	state.waiters = append(state.waiters, gate)
	e.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		e.abandonWait(id, gate)
		return newError(opMutate, "cancelled", ctx.Err())
	}
}

// abandonWait removes a cancelled waiter, releasing the reservation when the
// wake-up raced the cancellation.
func (e *Engine) abandonWait(id entity.ID, gate chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[id]
	if !ok {
		return
	}
	for i, waiter := range state.waiters {
		if waiter == gate {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			e.cleanupLocked(id, state)
			return
		}
	}
	select {
	case <-gate:
		state.reserved = false
		e.replayBufferedLocked(state)
		e.wakeNextLocked(id, state)
	default:
	}
}

func (e *Engine) release(id entity.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[id]
	if !ok {
		return
	}
	state.op = nil
	state.reserved = false
	e.replayBufferedLocked(state)
	e.wakeNextLocked(id, state)
}

func (e *Engine) applyOptimistic(entityType entity.Type, kind Kind, id entity.ID, fields map[string]any) (*PendingOperation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.states[id]
	op := &PendingOperation{EntityID: id, Kind: kind, SubmittedAt: e.clock()}

	switch kind {
	case KindCreate:
		e.store.Upsert(entity.Entity{ID: id, Type: entityType, Fields: cloneFields(fields)})
	case KindUpdate:
		previous, ok := e.store.Get(id)
		if !ok {
			return nil, newError(opMutate, "unknown_entity", ErrUnknownEntity)
		}
		op.Previous = &previous
		optimistic := previous.Clone()
		if optimistic.Fields == nil {
			optimistic.Fields = make(map[string]any, len(fields))
		}
		for key, value := range fields {
			optimistic.Fields[key] = value
		}
		e.store.Upsert(optimistic)
	case KindDelete:
		previous, ok := e.store.Get(id)
		if !ok {
			return nil, newError(opMutate, "unknown_entity", ErrUnknownEntity)
		}
		op.Previous = &previous
		// Forget, not Remove: the id must stay resurrectable until the
		// server confirms the delete.
		e.store.Forget(id)
	}

	state.reserved = false
	state.op = op
	state.entityType = entityType
	return op, nil
}

func (e *Engine) call(ctx context.Context, entityType entity.Type, kind Kind, id entity.ID, fields map[string]any) (entity.Entity, error) {
	switch kind {
	case KindCreate:
		return e.transport.CreateEntity(ctx, entityType, fields)
	case KindUpdate:
		return e.transport.UpdateEntity(ctx, entityType, id, fields)
	default:
		return entity.Entity{}, e.transport.DeleteEntity(ctx, entityType, id)
	}
}

func (e *Engine) confirmLocked(id entity.ID, op *PendingOperation, confirmed entity.Entity) entity.Entity {
	switch op.Kind {
	case KindCreate:
		// The temporary entity retires without a tombstone; the server id
		// may already be present from a racing created push, in which case
		// the upsert merges into a single entity.
		e.store.Forget(id)
		e.store.Upsert(confirmed)
	case KindUpdate:
		e.store.Upsert(confirmed)
	case KindDelete:
		e.store.Remove(id)
	}
	return confirmed
}

func (e *Engine) rollbackLocked(id entity.ID, op *PendingOperation) {
	switch op.Kind {
	case KindCreate:
		e.store.Forget(id)
	case KindUpdate, KindDelete:
		if op.Previous != nil {
			e.store.Upsert(*op.Previous)
		}
	}
}

// replayBufferedLocked applies the events buffered during the pending
// window. Last-writer-wins: an upsert older than the value the operation
// confirmed is stale and dropped. Deletions always apply; deletion is
// terminal.
func (e *Engine) replayBufferedLocked(state *idState) {
	for _, event := range state.buffered {
		if event.Action != ActionDeleted && event.Entity.Version != 0 {
			if current, ok := e.store.Get(event.Entity.ID); ok && current.Version > event.Entity.Version {
				continue
			}
		}
		e.applyPushLocked(event)
	}
	state.buffered = nil
}

func (e *Engine) wakeNextLocked(id entity.ID, state *idState) {
	if len(state.waiters) > 0 {
		gate := state.waiters[0]
		state.waiters = state.waiters[1:]
		state.reserved = true
		close(gate)
		return
	}
	e.cleanupLocked(id, state)
}

func (e *Engine) cleanupLocked(id entity.ID, state *idState) {
	if state.op == nil && !state.reserved && len(state.waiters) == 0 && len(state.buffered) == 0 {
		delete(e.states, id)
	}
}

func (e *Engine) applyPushLocked(event PushEvent) {
	switch event.Action {
	case ActionCreated:
		// A re-delivered created for a present id is a no-op, never a
		// duplicate insert and never a downgrade of a newer value.
		if _, present := e.store.Get(event.Entity.ID); present {
			return
		}
		e.store.Upsert(event.Entity)
	case ActionUpdated:
		// Defensive upsert: an update for an unknown id inserts. Tombstoned
		// ids are rejected inside the store.
		e.store.Upsert(event.Entity)
	case ActionDeleted:
		e.store.Remove(event.Entity.ID)
	}
}

func (e *Engine) handleBroadcast(payload map[string]any) {
	if e.notifier == nil {
		return
	}
	record := notify.Record{
		Type:      stringField(payload, "type"),
		Title:     stringField(payload, "title"),
		Message:   stringField(payload, "message"),
		StickyKey: stringField(payload, "stickyKey"),
	}
	if ms, ok := payload["autoCloseMs"].(float64); ok && ms > 0 {
		record.AutoClose = time.Duration(ms) * time.Millisecond
	}
	if record.Message == "" {
		return
	}
	e.notifier.Push(record)
}

func (e *Engine) notifyFailure(entityType entity.Type, kind Kind, cause error) {
	e.logger.Error("mutation failed",
		zap.String("operation", opMutate),
		zap.String("entity_type", entityType.String()),
		zap.String("kind", string(kind)),
		zap.Error(cause))
	if e.notifier == nil {
		return
	}
	e.notifier.Push(notify.Record{
		Type:      "error",
		Message:   fmt.Sprintf("Failed to %s %s", kind, entityType),
		AutoClose: 5 * time.Second,
	})
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

func cloneFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}
