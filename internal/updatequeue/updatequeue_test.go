package updatequeue

import (
	"testing"
)

func TestQueueDelivers(t *testing.T) {
	q := New[int](100)
	n := 20
	go func() {
		ch := q.In()
		for i := 0; i < n; i++ {
			ch <- i
		}
		close(ch)
	}()

	sum := 0
	for d := range q.Out() {
		sum += d
	}
	if expect := n * (n - 1) / 2; sum != expect {
		t.Errorf("Queue sum was %d, want %d", sum, expect)
	}
	if q.Dropped() != 0 {
		t.Errorf("Queue dropped %d items, want 0", q.Dropped())
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := New[int](3)
	ch := q.In()
	// Nobody reads Out, so only the newest 3 survive.
	for i := 0; i < 10; i++ {
		ch <- i
	}
	close(ch)

	var got []int
	for d := range q.Out() {
		got = append(got, d)
	}
	want := []int{7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("Queue delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Queue delivered %v, want %v", got, want)
			break
		}
	}
	if q.Dropped() != 7 {
		t.Errorf("Queue dropped %d items, want 7", q.Dropped())
	}
}
