package signaling

// deliveredWindow bounds how many message ids a client remembers for
// duplicate suppression. Servers only repeat recent messages, so a window
// is enough; it keeps long-lived clients from growing without bound.
const deliveredWindow = 4096

// idWindow remembers the most recent message ids in insertion order.
// Not safe for concurrent use; callers hold their own lock.
type idWindow struct {
	capacity int
	seen     map[string]struct{}
	order    []string
	next     int
}

func newIDWindow(capacity int) *idWindow {
	return &idWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// add records id and reports whether it was new.
func (w *idWindow) add(id string) bool {
	if _, ok := w.seen[id]; ok {
		return false
	}
	if len(w.order) < w.capacity {
		w.order = append(w.order, id)
	} else {
		delete(w.seen, w.order[w.next])
		w.order[w.next] = id
		w.next = (w.next + 1) % w.capacity
	}
	w.seen[id] = struct{}{}
	return true
}
