package space

import (
	"cmp"
	"slices"
	"strings"
)

// UserRegistry maps user ids to members. It is not safe for concurrent use;
// the owning Space serializes access.
type UserRegistry struct {
	members map[int64]*Member
}

// NewUserRegistry creates an empty registry.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{members: make(map[int64]*Member)}
}

// Add inserts u. An existing id is overwritten and ErrDuplicateUser is
// returned alongside the replaced entry so the caller can report it; the
// write still happens.
func (r *UserRegistry) Add(u SpaceUser, clientID string) (added, replaced *Member, err error) {
	if u.ID <= 0 {
		return nil, nil, ErrInvalidUser
	}
	prev, exists := r.members[u.ID]
	if exists && clientID == "" {
		// A relayed re-announcement keeps the connection hosted here.
		clientID = prev.clientID
	}
	m := newMember(u, clientID)
	r.members[u.ID] = m
	if exists {
		return m.clone(), prev, ErrDuplicateUser
	}
	return m.clone(), nil, nil
}

// Update merges the masked fields of partial into the stored member and
// returns copies of the member before and after the merge.
func (r *UserRegistry) Update(partial SpaceUser, mask FieldMask) (before, after *Member, err error) {
	if err := mask.Validate(); err != nil {
		return nil, nil, err
	}
	m, ok := r.members[partial.ID]
	if !ok {
		return nil, nil, ErrUserNotFound
	}
	before = m.clone()
	next := m.clone()
	if err := merge(&next.SpaceUser, partial, mask); err != nil {
		return nil, nil, err
	}
	if mask.Has(FieldName) {
		next.lowercaseName = strings.ToLower(next.Name)
	}
	r.members[partial.ID] = next
	return before, next.clone(), nil
}

// Remove deletes the member with id and returns it.
func (r *UserRegistry) Remove(id int64) (*Member, error) {
	m, ok := r.members[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	delete(r.members, id)
	return m, nil
}

// Get returns a copy of the member with id.
func (r *UserRegistry) Get(id int64) (*Member, bool) {
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Snapshot returns copies of all members ordered by id.
func (r *UserRegistry) Snapshot() []*Member {
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.clone())
	}
	slices.SortFunc(out, func(a, b *Member) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// each visits stored members in id order. fn must not retain or mutate them.
func (r *UserRegistry) each(fn func(m *Member)) {
	ids := make([]int64, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fn(r.members[id])
	}
}

// Len returns the number of members.
func (r *UserRegistry) Len() int { return len(r.members) }
