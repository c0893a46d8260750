package filetree

// ChangeType says what happened to a node.
type ChangeType int

const (
	Listed ChangeType = iota
	ListFailed
	BufferSet
	BufferFailed
	Added
	Removed
)

func (c ChangeType) String() string {
	switch c {
	case Listed:
		return "listed"
	case ListFailed:
		return "list_failed"
	case BufferSet:
		return "buffer_set"
	case BufferFailed:
		return "buffer_failed"
	case Added:
		return "added"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is delivered to observers after a mutation has been committed.
type Change struct {
	Type ChangeType
	Ref  Ref
}

// Failed reports whether the change records a failed listing or fetch.
func (c Change) Failed() bool {
	return c.Type == ListFailed || c.Type == BufferFailed
}

// Subscribe registers fn for every change. The returned func removes it.
func (t *Tree) Subscribe(fn func(Change)) func() {
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() { delete(t.observers, id) }
}

// notify queues c and, unless a delivery is already running further up the
// stack, delivers the queue in order. Changes raised by observers are
// delivered after the current one has reached every observer.
func (t *Tree) notify(c Change) {
	t.queue = append(t.queue, c)
	if t.notifying {
		return
	}
	t.notifying = true
	defer func() { t.notifying = false }()

	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]
		for id := 0; id < t.nextObs; id++ {
			if fn, ok := t.observers[id]; ok {
				fn(next)
			}
		}
	}
}
