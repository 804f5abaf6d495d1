package space

import (
	"cmp"
	"slices"
)

// Recipient receives notifications. Deliver must not block: implementations
// buffer per connection and shed their own backlog.
type Recipient interface {
	ID() string
	Deliver(n Notification)
}

// Directory resolves a connection id to its delivery handle. Members keep
// only the id, so the space never owns a connection's lifetime.
type Directory interface {
	Lookup(clientID string) (Recipient, bool)
}

type watcher struct {
	recipient Recipient
	filters   []NamedFilter
}

func (w *watcher) filter(name string) (int, bool) {
	for i, f := range w.filters {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// WatcherRegistry maps watcher ids to their handle and named filters.
// Like UserRegistry it relies on the Space for synchronization.
type WatcherRegistry struct {
	watchers map[string]*watcher
}

// NewWatcherRegistry creates an empty registry.
func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{watchers: make(map[string]*watcher)}
}

// Attach registers r, keeping the filters of a previous attachment with the
// same id. It reports whether the id was already attached.
func (r *WatcherRegistry) Attach(rec Recipient) bool {
	if w, ok := r.watchers[rec.ID()]; ok {
		w.recipient = rec
		return true
	}
	r.watchers[rec.ID()] = &watcher{recipient: rec}
	return false
}

// Detach forgets the watcher and its filters.
func (r *WatcherRegistry) Detach(id string) bool {
	if _, ok := r.watchers[id]; !ok {
		return false
	}
	delete(r.watchers, id)
	return true
}

func (r *WatcherRegistry) get(id string) (*watcher, error) {
	w, ok := r.watchers[id]
	if !ok {
		return nil, ErrWatcherNotFound.WithDetails(map[string]interface{}{"watcher_id": id})
	}
	return w, nil
}

func (r *WatcherRegistry) addFilter(id string, f NamedFilter) (*watcher, error) {
	w, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if _, exists := w.filter(f.Name); exists {
		return nil, ErrDuplicateFilter.WithDetails(map[string]interface{}{"filter": f.Name})
	}
	w.filters = append(w.filters, f)
	return w, nil
}

// replaceFilter swaps the stored filter for f and returns the previous one.
func (r *WatcherRegistry) replaceFilter(id string, f NamedFilter) (*watcher, NamedFilter, error) {
	w, err := r.get(id)
	if err != nil {
		return nil, NamedFilter{}, err
	}
	i, ok := w.filter(f.Name)
	if !ok {
		return nil, NamedFilter{}, ErrFilterNotFound.WithDetails(map[string]interface{}{"filter": f.Name})
	}
	old := w.filters[i]
	w.filters[i] = f
	return w, old, nil
}

func (r *WatcherRegistry) removeFilter(id, name string) error {
	w, err := r.get(id)
	if err != nil {
		return err
	}
	i, ok := w.filter(name)
	if !ok {
		return ErrFilterNotFound.WithDetails(map[string]interface{}{"filter": name})
	}
	w.filters = slices.Delete(w.filters, i, i+1)
	return nil
}

// Filters returns a copy of the named filters held by watcher id.
func (r *WatcherRegistry) Filters(id string) []NamedFilter {
	w, ok := r.watchers[id]
	if !ok {
		return nil
	}
	return slices.Clone(w.filters)
}

// each visits watchers in id order so dispatch is deterministic.
func (r *WatcherRegistry) each(fn func(w *watcher)) {
	ids := make([]string, 0, len(r.watchers))
	for id := range r.watchers {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, cmp.Compare[string])
	for _, id := range ids {
		fn(r.watchers[id])
	}
}

// Len returns the number of attached watchers.
func (r *WatcherRegistry) Len() int { return len(r.watchers) }
