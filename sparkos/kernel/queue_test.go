package kernel

import "testing"

func TestTaskQueueRing(t *testing.T) {
	var q taskQueue
	for round := 0; round < 3; round++ {
		for i := 0; i < TaskQueueLen; i++ {
			if !q.push(FunctionCall{Arg0: uint32(i)}) {
				t.Fatalf("round %d: push %d failed", round, i)
			}
		}
		if q.push(FunctionCall{}) {
			t.Fatalf("round %d: push into a full queue succeeded", round)
		}
		// Leave the head somewhere in the middle of the ring.
		for i := 0; i < 7; i++ {
			task, ok := q.pop()
			if !ok || task.(FunctionCall).Arg0 != uint32(i) {
				t.Fatalf("round %d: pop %d = %v, %v", round, i, task, ok)
			}
		}
		for q.len() > 0 {
			q.pop()
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestTaskQueueRetain(t *testing.T) {
	var q taskQueue
	for i := 0; i < 4; i++ {
		q.pop()
		q.push(FunctionCall{})
	}
	q.clear()
	for i := 0; i < 6; i++ {
		q.push(FunctionCall{Arg0: uint32(i)})
	}
	removed := q.retain(func(task Task) bool { return task.(FunctionCall).Arg0%2 == 0 })
	if removed != 3 {
		t.Fatalf("removed %d, want 3", removed)
	}
	var got []uint32
	q.each(func(task Task) { got = append(got, task.(FunctionCall).Arg0) })
	if len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("kept %v, want [0 2 4]", got)
	}
}

func TestStateCellWork(t *testing.T) {
	var w workCounter
	c := stateCell{work: &w}
	steps := []struct {
		to   State
		want int64
	}{
		{Running, 1},
		{Running, 1},
		{Yielded, 0},
		{Running, 1},
		{StoppedRunning, 0},
		{Running, 1},
		{Fault, 0},
		{StoppedFaulted, 0},
	}
	for i, s := range steps {
		c.update(s.to)
		if got := w.load(); got != s.want {
			t.Fatalf("step %d (%s): work %d, want %d", i, s.to, got, s.want)
		}
	}
}
