package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryIdempotency_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()

	winner, claimed, err := m.PutIfAbsent(ctx, "bet:abc", "bet-1", time.Minute)
	if err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	if !claimed || winner != "bet-1" {
		t.Fatalf("expected first write to win, got winner=%q claimed=%v", winner, claimed)
	}

	winner, claimed, err = m.PutIfAbsent(ctx, "bet:abc", "bet-2", time.Minute)
	if err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	if claimed || winner != "bet-1" {
		t.Fatalf("expected replay to see the original value, got winner=%q claimed=%v", winner, claimed)
	}
}

func TestMemoryIdempotency_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()

	if _, _, err := m.PutIfAbsent(ctx, "k", "v1", time.Millisecond); err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	winner, claimed, err := m.PutIfAbsent(ctx, "k", "v2", time.Minute)
	if err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	if !claimed || winner != "v2" {
		t.Fatalf("expected expired key to be reclaimable, got winner=%q claimed=%v", winner, claimed)
	}
}

func TestMemoryIdempotency_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()

	if _, _, err := m.PutIfAbsent(ctx, "k", "v1", time.Minute); err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	winner, claimed, err := m.PutIfAbsent(ctx, "k", "v2", time.Minute)
	if err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	if !claimed || winner != "v2" {
		t.Fatalf("expected released key to be reclaimable, got winner=%q claimed=%v", winner, claimed)
	}
}

func TestMemoryIdempotency_Concurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, claimed, err := m.PutIfAbsent(ctx, "k", "v", time.Minute)
			if err != nil {
				t.Errorf("PutIfAbsent() error: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if claims != 1 {
		t.Fatalf("expected exactly one claim, got %d", claims)
	}
}
