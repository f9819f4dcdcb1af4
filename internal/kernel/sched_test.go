package kernel

import "testing"

func TestRoundRobin(tt *testing.T) {
	tt.Parallel()

	tt.Run("fifo-order", func(t *testing.T) {
		t.Parallel()

		s := NewRoundRobin()

		for h := ThreadHandle(1); h <= 5; h++ {
			s.Enqueue(h)
		}

		for want := ThreadHandle(1); want <= 5; want++ {
			got, ok := s.Schedule()
			if !ok || got != want {
				t.Fatalf("schedule: want %s, got %s (%t)", want, got, ok)
			}
		}

		if _, ok := s.Schedule(); ok {
			t.Error("drained queue still yields threads")
		}
	})

	tt.Run("requeue-goes-to-back", func(t *testing.T) {
		t.Parallel()

		s := NewRoundRobin()
		s.Enqueue(1)
		s.Enqueue(2)

		h, _ := s.Schedule()
		s.Enqueue(h) // Preempted: back of the queue.

		if got, _ := s.Schedule(); got != 2 {
			t.Errorf("want 2 before requeued 1, got %s", got)
		}

		if got, _ := s.Schedule(); got != 1 {
			t.Errorf("want requeued 1, got %s", got)
		}
	})

	tt.Run("remove-preserves-order", func(t *testing.T) {
		t.Parallel()

		s := NewRoundRobin()
		s.Enqueue(1)
		s.Enqueue(2)
		s.Enqueue(3)

		if !s.Remove(2) {
			t.Fatal("remove reported miss")
		}

		if s.Remove(9) {
			t.Error("removed a thread that was never queued")
		}

		first, _ := s.Schedule()
		second, _ := s.Schedule()

		if first != 1 || second != 3 {
			t.Errorf("order after removal: got %s, %s", first, second)
		}
	})
}
