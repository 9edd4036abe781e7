package tooldispatch

// seenSet is a bounded FIFO set of recently-dispatched call ids. When the
// capacity is exceeded the oldest id is evicted, bounding memory over a
// long-lived session. Not safe for concurrent use; the dispatcher guards it
// with its own mutex.
type seenSet struct {
	cap   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		cap: capacity,
		ids: make(map[string]struct{}, capacity),
	}
}

func (s *seenSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) Add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
}

func (s *seenSet) Len() int { return len(s.ids) }
