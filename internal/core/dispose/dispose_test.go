package dispose

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCloseRunsHandlersOnce(t *testing.T) {
	d := NewDispose("test", context.Background())

	var calls int32
	d.AddCleanHandler(func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	d.Close()
	d.Close()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
	if !d.IsClosed() {
		t.Error("IsClosed should report true after Close")
	}
}

func TestConcurrentClose(t *testing.T) {
	d := NewDispose("test", context.Background())

	var calls int32
	d.AddCleanHandler(func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Close()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler ran %d times under concurrent close, want 1", got)
	}
}

func TestHandlerErrorsCollected(t *testing.T) {
	d := NewDispose("test", context.Background())
	d.AddCleanHandler(func() error { return errors.New("first") })
	d.AddCleanHandler(func() error { return nil })
	d.AddCleanHandler(func() error { return errors.New("third") })

	result := d.Close()
	if len(result.Errors) != 2 {
		t.Fatalf("got %d errors, want 2", len(result.Errors))
	}
	if result.Errors[0].HandlerIndex != 0 || result.Errors[1].HandlerIndex != 2 {
		t.Error("error handler indexes not preserved")
	}
}

func TestParentContextCancelTriggersCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispose("test", ctx)

	done := make(chan struct{})
	d.AddCleanHandler(func() error {
		close(done)
		return nil
	})

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup not triggered by parent context cancellation")
	}
}
