package vector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLazyConstructsOnce(t *testing.T) {
	var constructed atomic.Int32
	inner := &mockEmbedder{}
	lazy := NewLazy(func() (Embedder, error) {
		constructed.Add(1)
		return inner, nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lazy.Embed(context.Background(), []string{"text"}); err != nil {
				t.Errorf("Embed() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := constructed.Load(); got != 1 {
		t.Errorf("constructor ran %d times, want 1", got)
	}
	if got := len(inner.calls); got != 8 {
		t.Errorf("inner embedder called %d times, want 8", got)
	}
}

func TestLazyStickyError(t *testing.T) {
	wantErr := errors.New("bad credentials")
	var constructed int
	lazy := NewLazy(func() (Embedder, error) {
		constructed++
		return nil, wantErr
	})

	for range 3 {
		if _, err := lazy.Embed(context.Background(), []string{"text"}); !errors.Is(err, wantErr) {
			t.Fatalf("Embed() error = %v, want %v", err, wantErr)
		}
	}
	// The failed construction is not retried.
	if constructed != 1 {
		t.Errorf("constructor ran %d times, want 1", constructed)
	}
}
