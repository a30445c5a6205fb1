package dedup

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTryClaimSecondCallLoses(t *testing.T) {
	m := NewMemory()
	key := Key{AccountID: "a1", EventID: "e1", Action: "reply"}

	ok, err := m.TryClaim(context.Background(), key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim must win: ok=%v err=%v", ok, err)
	}
	ok, err = m.TryClaim(context.Background(), key, time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}
}

func TestClaimKeysIndependentPerAction(t *testing.T) {
	m := NewMemory()
	base := Key{AccountID: "a1", EventID: "e1"}

	for _, action := range []string{"reply", "delivery", "confirm"} {
		k := base
		k.Action = action
		if ok, _ := m.TryClaim(context.Background(), k, time.Minute); !ok {
			t.Fatalf("action %q must claim independently", action)
		}
	}
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	key := Key{AccountID: "a1", EventID: "e1", Action: "delivery"}

	if ok, _ := m.TryClaim(context.Background(), key, 10*time.Minute); !ok {
		t.Fatal("first claim must win")
	}
	now = now.Add(5 * time.Minute)
	if ok, _ := m.TryClaim(context.Background(), key, 10*time.Minute); ok {
		t.Fatal("claim must hold inside TTL")
	}
	now = now.Add(6 * time.Minute)
	if ok, _ := m.TryClaim(context.Background(), key, 10*time.Minute); !ok {
		t.Fatal("expired claim must be reclaimable")
	}
}

func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	m := NewMemory()
	key := Key{AccountID: "a1", EventID: "order-1", Action: "confirm"}

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.TryClaim(context.Background(), key, time.Minute); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	_, _ = m.TryClaim(context.Background(), Key{"a", "old", "reply"}, time.Minute)
	_, _ = m.TryClaim(context.Background(), Key{"a", "fresh", "reply"}, time.Hour)

	now = now.Add(10 * time.Minute)
	if removed := m.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if ok, _ := m.TryClaim(context.Background(), Key{"a", "fresh", "reply"}, time.Hour); ok {
		t.Fatal("fresh claim must survive the sweep")
	}
}
