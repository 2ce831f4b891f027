package notify

import (
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan int, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for len(out) < n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d values: %v", len(out), n, out)
		}
	}
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Requirement: Values reach each subscriber in publish order.
func TestDispatcher_PublishOrder(t *testing.T) {
	// Arrange
	d := NewDispatcher[int]()
	defer d.Close()
	ch := make(chan int, 100)
	d.Subscribe(func(v int) { ch <- v })

	// Act
	for i := 0; i < 50; i++ {
		d.Publish(i)
	}

	// Assert
	got := collect(t, ch, 50)
	for i, v := range got {
		if v != i {
			t.Fatalf("value %d = %d, out of order: %v", i, v, got)
		}
	}
}

// Requirement: A held subscriber sees the released value before anything queued meanwhile.
func TestDispatcher_HoldRelease(t *testing.T) {
	// Arrange
	d := NewDispatcher[int]()
	defer d.Close()
	ch := make(chan int, 10)
	sub := d.Hold(func(v int) { ch <- v })

	// Act
	d.Publish(2)
	d.Publish(3)
	select {
	case v := <-ch:
		t.Fatalf("held subscriber received %d before release", v)
	case <-time.After(20 * time.Millisecond):
	}
	sub.Release(1)
	sub.Release(99)

	// Assert
	if got := collect(t, ch, 3); !equal(got, []int{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

// Requirement: Callbacks for one subscriber never run concurrently.
func TestDispatcher_SerializedCallbacks(t *testing.T) {
	// Arrange
	d := NewDispatcher[int]()
	defer d.Close()
	var (
		mu      sync.Mutex
		running int
		overlap bool
		wg      sync.WaitGroup
	)
	wg.Add(20)
	d.Subscribe(func(int) {
		mu.Lock()
		running++
		if running > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		wg.Done()
	})

	// Act
	for i := 0; i < 20; i++ {
		go d.Publish(i)
	}
	wg.Wait()

	// Assert
	if overlap {
		t.Error("callbacks overlapped")
	}
}

// Requirement: Cancel is idempotent, safe from inside the callback, and stops delivery.
func TestSubscription_Cancel(t *testing.T) {
	// Arrange
	d := NewDispatcher[int]()
	defer d.Close()
	ch := make(chan int, 10)
	var sub *Subscription[int]
	sub = d.Hold(func(v int) {
		ch <- v
		sub.Cancel()
	})
	sub.Release(0)

	// Act
	collect(t, ch, 1)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery goroutine did not exit")
	}
	sub.Cancel()
	d.Publish(1)

	// Assert
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
	select {
	case v := <-ch:
		t.Errorf("received %d after cancel", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatcher_Close(t *testing.T) {
	// Arrange
	d := NewDispatcher[int]()
	sub := d.Subscribe(func(int) {})

	// Act
	d.Close()
	late := d.Subscribe(func(int) { t.Error("late subscriber called") })
	d.Publish(1)

	// Assert
	<-sub.Done()
	<-late.Done()
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}
