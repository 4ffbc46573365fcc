package dispatch

type keyed interface {
	key() string
}

// dedupQueue is a FIFO that refuses an item whose key is already queued.
// It is not safe for concurrent use; Engine.mu guards it.
type dedupQueue[T keyed] struct {
	items []T
	index map[string]struct{}
}

func newDedupQueue[T keyed]() *dedupQueue[T] {
	return &dedupQueue[T]{index: map[string]struct{}{}}
}

// offer appends v at the tail. It reports false if an equal item is queued.
func (q *dedupQueue[T]) offer(v T) bool {
	k := v.key()
	if _, dup := q.index[k]; dup {
		return false
	}
	q.index[k] = struct{}{}
	q.items = append(q.items, v)
	return true
}

// poll removes the head. ok is false when the queue is empty.
func (q *dedupQueue[T]) poll() (v T, ok bool) {
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	delete(q.index, v.key())
	return v, true
}

func (q *dedupQueue[T]) len() int { return len(q.items) }
