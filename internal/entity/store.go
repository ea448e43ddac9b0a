package entity

import "sync"

// Store is the single in-memory source of truth for every entity the client
// currently knows about. It is a pure data structure: all reconciliation
// decisions happen in the sync engine, which is the only writer.
type Store struct {
	mu         sync.RWMutex
	entities   map[ID]Entity
	order      []ID
	tombstones map[ID]struct{}

	listenerMu sync.Mutex
	listeners  map[int64]func(snapshot []Entity)
	nextID     int64
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		entities:   make(map[ID]Entity),
		tombstones: make(map[ID]struct{}),
		listeners:  make(map[int64]func(snapshot []Entity)),
	}
}

// Upsert inserts or replaces the entity by id and reports whether the stored
// state changed. Upserts against a tombstoned id are dropped so late push
// deliveries cannot resurrect a deleted entity.
func (s *Store) Upsert(value Entity) bool {
	s.mu.Lock()
	if _, gone := s.tombstones[value.ID]; gone {
		s.mu.Unlock()
		return false
	}
	existing, present := s.entities[value.ID]
	if present && existing.Equal(value) {
		s.mu.Unlock()
		return false
	}
	if !present {
		s.order = append(s.order, value.ID)
	}
	s.entities[value.ID] = value.Clone()
	s.mu.Unlock()
	s.notify()
	return true
}

// Remove deletes the entity and tombstones its id for the remainder of the
// browsing session. It reports whether an entity was actually removed; the
// tombstone is recorded either way so a deletion observed before the entity
// was ever fetched still suppresses later stale upserts.
func (s *Store) Remove(id ID) bool {
	s.mu.Lock()
	s.tombstones[id] = struct{}{}
	_, present := s.entities[id]
	if present {
		delete(s.entities, id)
		s.dropOrder(id)
	}
	s.mu.Unlock()
	if present {
		s.notify()
	}
	return present
}

// Forget removes an entity without tombstoning its id. Used when a temporary
// entity is replaced by its server-confirmed counterpart, or when a failed
// create is rolled back: the id is retired, not deleted.
func (s *Store) Forget(id ID) bool {
	s.mu.Lock()
	_, present := s.entities[id]
	if present {
		delete(s.entities, id)
		s.dropOrder(id)
	}
	s.mu.Unlock()
	if present {
		s.notify()
	}
	return present
}

// Get returns a copy of the entity for id.
func (s *Store) Get(id ID) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return value.Clone(), true
}

// All returns a snapshot of every entity in insertion order.
func (s *Store) All() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of live entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// IsTombstoned reports whether id has been deleted this session.
func (s *Store) IsTombstoned(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, gone := s.tombstones[id]
	return gone
}

// Replace swaps the full contents of the store for the provided entities,
// except that ids listed in keep retain their current value. Tombstones are
// cleared: the caller is installing a fresh authoritative snapshot.
func (s *Store) Replace(values []Entity, keep map[ID]struct{}) {
	s.mu.Lock()
	retained := make(map[ID]Entity)
	for id := range keep {
		if current, ok := s.entities[id]; ok {
			retained[id] = current
		}
	}
	s.entities = make(map[ID]Entity, len(values))
	s.order = s.order[:0]
	s.tombstones = make(map[ID]struct{})
	for _, value := range values {
		if kept, ok := retained[value.ID]; ok {
			value = kept
		}
		if _, present := s.entities[value.ID]; present {
			continue
		}
		s.order = append(s.order, value.ID)
		s.entities[value.ID] = value.Clone()
	}
	for id, kept := range retained {
		if _, present := s.entities[id]; present {
			continue
		}
		s.order = append(s.order, id)
		s.entities[id] = kept
	}
	s.mu.Unlock()
	s.notify()
}

// Subscribe registers a listener invoked with a fresh snapshot after every
// change. The returned function cancels the subscription.
func (s *Store) Subscribe(listener func(snapshot []Entity)) func() {
	s.listenerMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	snapshot := s.snapshotLocked()
	s.mu.RUnlock()

	s.listenerMu.Lock()
	copies := make([]func([]Entity), 0, len(s.listeners))
	for _, listener := range s.listeners {
		copies = append(copies, listener)
	}
	s.listenerMu.Unlock()
	for _, listener := range copies {
		listener(snapshot)
	}
}

func (s *Store) snapshotLocked() []Entity {
	snapshot := make([]Entity, 0, len(s.entities))
	for _, id := range s.order {
		if value, ok := s.entities[id]; ok {
			snapshot = append(snapshot, value.Clone())
		}
	}
	return snapshot
}

func (s *Store) dropOrder(id ID) {
	for i, candidate := range s.order {
		if candidate == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
