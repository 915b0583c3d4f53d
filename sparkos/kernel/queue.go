package kernel

// taskQueue is a fixed-capacity ring of pending tasks.
type taskQueue struct {
	head  int
	n     int
	slots [TaskQueueLen]Task
}

func (q *taskQueue) len() int { return q.n }

func (q *taskQueue) push(t Task) bool {
	if q.n >= TaskQueueLen {
		return false
	}
	q.slots[(q.head+q.n)%TaskQueueLen] = t
	q.n++
	return true
}

func (q *taskQueue) pop() (Task, bool) {
	if q.n == 0 {
		return nil, false
	}
	t := q.slots[q.head]
	q.slots[q.head] = nil
	q.head = (q.head + 1) % TaskQueueLen
	q.n--
	return t, true
}

// retain keeps the tasks keep reports true for, in order, and returns how
// many were removed.
func (q *taskQueue) retain(keep func(Task) bool) int {
	n := q.n
	kept := 0
	for i := 0; i < n; i++ {
		t, _ := q.pop()
		if keep(t) {
			q.push(t)
			kept++
		}
	}
	return n - kept
}

func (q *taskQueue) clear() {
	*q = taskQueue{}
}

func (q *taskQueue) each(fn func(Task)) {
	for i := 0; i < q.n; i++ {
		fn(q.slots[(q.head+i)%TaskQueueLen])
	}
}
