package ring

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	r := New(4)
	for i := range 3 {
		if err := r.Enqueue([]byte{byte(i)}, false); err != nil {
			t.Fatal(err)
		}
	}
	for i := range 3 {
		f, err := r.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if f.Data[0] != byte(i) {
			t.Fatalf("out of order: want %d got %d", i, f.Data[0])
		}
	}
}

func TestUrgentJumpsQueue(t *testing.T) {
	r := New(4)
	r.Enqueue([]byte("bulk"), false)
	r.Enqueue([]byte("arp"), true)

	f, err := r.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Data) != "arp" {
		t.Fatalf("urgent frame should be dequeued first, got %q", f.Data)
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	r := New(1)
	r.Enqueue([]byte("a"), false)

	done := make(chan struct{})
	go func() {
		r.Enqueue([]byte("b"), false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Enqueue should have blocked on a full ring")
	case <-time.After(20 * time.Millisecond):
	}

	r.Dequeue()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue never unblocked after a slot freed up")
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	r := New(1)
	errc := make(chan error, 1)
	go func() {
		_, err := r.Dequeue()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()
	if err := <-errc; err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestDequeueContextCancel(t *testing.T) {
	r := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.DequeueContext(ctx)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueContext did not observe cancellation")
	}
}

func TestSerialIsMonotonic(t *testing.T) {
	r := New(4)
	r.Enqueue([]byte("a"), false)
	r.Enqueue([]byte("b"), false)
	f1, _ := r.Dequeue()
	f2, _ := r.Dequeue()
	if f2.Serial <= f1.Serial {
		t.Fatalf("serials should increase: %d then %d", f1.Serial, f2.Serial)
	}
}
