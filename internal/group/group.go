package group

import (
	"errors"
	"sync"

	"github.com/CityPulseResearchLab/citypulse/client/internal/entity"
)

// ErrEmptyGroup indicates none of the requested member ids resolved.
var ErrEmptyGroup = errors.New("group: no members resolve")

// Group is an ephemeral, derived bundle of entities browsed via a cyclic
// index cursor. Membership snapshots at open time: entities added later never
// join, so pagination indices stay stable under the user.
type Group struct {
	Members []entity.Entity
	Index   int
}

// Current returns the member the cursor points at.
func (g Group) Current() entity.Entity {
	return g.Members[g.Index]
}

// Index derives cluster groups from store snapshots and keeps the open group
// consistent with member removals.
type Index struct {
	mu    sync.Mutex
	store *entity.Store
	open  *Group
}

// NewIndex binds the index to the store. The store subscription prunes
// deleted members from the open group; additions are deliberately ignored.
func NewIndex(store *entity.Store) *Index {
	index := &Index{store: store}
	store.Subscribe(index.prune)
	return index
}

// Open snapshots the entities matching ids, in the given order, and makes
// them the open group with the cursor on the first member. Ids that no longer
// resolve are silently skipped; an empty result returns ErrEmptyGroup.
func (x *Index) Open(ids []entity.ID) (Group, error) {
	members := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		if value, ok := x.store.Get(id); ok {
			members = append(members, value)
		}
	}
	if len(members) == 0 {
		return Group{}, ErrEmptyGroup
	}
	x.mu.Lock()
	x.open = &Group{Members: members}
	snapshot := *x.open
	x.mu.Unlock()
	return snapshot, nil
}

// Next advances the cursor cyclically and returns the open group. A
// single-member group is a no-op.
func (x *Index) Next() (Group, bool) {
	return x.advance(1)
}

// Prev moves the cursor back cyclically and returns the open group.
func (x *Index) Prev() (Group, bool) {
	return x.advance(-1)
}

// Current returns the open group, if any.
func (x *Index) Current() (Group, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.open == nil {
		return Group{}, false
	}
	return *x.open, true
}

// Close discards the open group.
func (x *Index) Close() {
	x.mu.Lock()
	x.open = nil
	x.mu.Unlock()
}

func (x *Index) advance(step int) (Group, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.open == nil {
		return Group{}, false
	}
	count := len(x.open.Members)
	x.open.Index = ((x.open.Index+step)%count + count) % count
	return *x.open, true
}

// prune excises members that disappeared from the store and clamps the
// cursor into range. Stale members are dropped silently, never escalated.
func (x *Index) prune(snapshot []entity.Entity) {
	live := make(map[entity.ID]struct{}, len(snapshot))
	for _, value := range snapshot {
		live[value.ID] = struct{}{}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.open == nil {
		return
	}
	remaining := x.open.Members[:0]
	for _, member := range x.open.Members {
		if _, ok := live[member.ID]; ok {
			remaining = append(remaining, member)
		}
	}
	if len(remaining) == 0 {
		x.open = nil
		return
	}
	x.open.Members = remaining
	if x.open.Index > len(remaining)-1 {
		x.open.Index = len(remaining) - 1
	}
}
