package reconciler

// recentSet — ограниченное множество недавно решённых task id.
//
// Дубликаты ответов (retry downstream-систем, redelivery брокера)
// приходят в пределах минут; ограниченного окна достаточно, а
// durable-состояние мосту не положено. При переполнении забывается
// самый старый id — в худшем случае дубликат дойдёт до движка и
// вернётся как ErrTaskGone, что тоже разрешается идемпотентно.
type recentSet struct {
	capacity int
	order    []string
	present  map[string]bool
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &recentSet{
		capacity: capacity,
		present:  make(map[string]bool, capacity),
	}
}

// Contains проверяет, решался ли task id недавно.
func (s *recentSet) Contains(id string) bool {
	return s.present[id]
}

// Add запоминает task id, вытесняя самый старый при переполнении.
func (s *recentSet) Add(id string) {
	if s.present[id] {
		return
	}

	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.present, oldest)
	}

	s.order = append(s.order, id)
	s.present[id] = true
}

// Len возвращает размер множества.
func (s *recentSet) Len() int {
	return len(s.order)
}
