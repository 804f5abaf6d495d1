package space

// change describes one registry mutation as seen by the delta engine.
// after is the removed member for removals.
type change struct {
	kind    Kind
	before  *Member
	after   *Member
	partial *SpaceUser
	mask    FieldMask
}

// syncFilter emits an add for every member matched by nf. It is the
// initial burst a watcher receives when it installs a filter.
func (s *Space) syncFilter(rec Recipient, nf NamedFilter) int {
	added := 0
	s.users.each(func(m *Member) {
		if nf.Filter.Matches(m) {
			s.send(rec, s.addNotification(m, nf.Name))
			added++
		}
	})
	return added
}

// filterDelta walks the registry once, comparing old and next for every
// member: newly matching members get an add, members that stopped matching
// get a remove, everything else is left alone.
func (s *Space) filterDelta(rec Recipient, name string, old, next Filter) (added, removed int) {
	s.users.each(func(m *Member) {
		was, is := old.Matches(m), next.Matches(m)
		switch {
		case is && !was:
			s.send(rec, s.addNotification(m, name))
			added++
		case was && !is:
			s.send(rec, s.removeNotification(m.ID, name))
			removed++
		}
	})
	return added, removed
}

// propagate fans a registry change out to watchers. A filter is targeted
// when either the previous or the current state of the user matches it, so
// a user moving out of a view still produces the removal. Each targeted
// (watcher, filter) pair receives exactly one notification.
func (s *Space) propagate(c change) {
	s.watchers.each(func(w *watcher) {
		for _, nf := range w.filters {
			was := c.before != nil && nf.Filter.Matches(c.before)
			is := c.after != nil && nf.Filter.Matches(c.after)
			if !was && !is {
				continue
			}
			switch c.kind {
			case KindAddUser:
				// before is only set when a join overwrote an existing entry.
				if is {
					s.send(w.recipient, s.addNotification(c.after, nf.Name))
				} else {
					s.send(w.recipient, s.removeNotification(c.after.ID, nf.Name))
				}
			case KindRemoveUser:
				s.send(w.recipient, s.removeNotification(c.after.ID, nf.Name))
			case KindUpdateUser:
				switch {
				case was && is:
					s.send(w.recipient, s.updateNotification(c.partial, c.mask, nf.Name))
				case was:
					s.send(w.recipient, s.removeNotification(c.after.ID, nf.Name))
				default:
					s.send(w.recipient, s.addNotification(c.after, nf.Name))
				}
			}
		}
	})
}

func (s *Space) addNotification(m *Member, filter string) Notification {
	u := m.SpaceUser.Clone()
	return Notification{Space: s.localName, Filter: filter, Kind: KindAddUser, User: &u, UserID: u.ID}
}

func (s *Space) removeNotification(id int64, filter string) Notification {
	return Notification{Space: s.localName, Filter: filter, Kind: KindRemoveUser, UserID: id}
}

func (s *Space) updateNotification(partial *SpaceUser, mask FieldMask, filter string) Notification {
	u := partial.Clone()
	return Notification{
		Space:  s.localName,
		Filter: filter,
		Kind:   KindUpdateUser,
		User:   &u,
		UserID: u.ID,
		Mask:   append(FieldMask(nil), mask...),
	}
}
