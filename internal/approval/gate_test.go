package approval

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGate_ResolveWhileWaiting(t *testing.T) {
	g := NewGate(0)

	done := make(chan Outcome, 1)
	go func() {
		_, outcome := g.Wait(context.Background(), "k1", 2*time.Second)
		done <- outcome
	}()

	deadline := time.Now().Add(time.Second)
	for g.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !g.Resolve("k1", true) {
		t.Error("Resolve should report delivery to a waiter")
	}

	select {
	case outcome := <-done:
		if outcome != OutcomeApproved {
			t.Errorf("outcome = %s, want approved", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resolve")
	}

	if g.Len() != 0 {
		t.Errorf("slot leaked: %d live slots", g.Len())
	}
}

func TestGate_Timeout(t *testing.T) {
	g := NewGate(0)

	start := time.Now()
	approved, outcome := g.Wait(context.Background(), "k", 30*time.Millisecond)
	if approved || outcome != OutcomeTimeout {
		t.Errorf("Wait = %v, %s; want false, timeout", approved, outcome)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Wait returned before timeout")
	}
	if g.Len() != 0 {
		t.Errorf("slot leaked after timeout: %d", g.Len())
	}
}

func TestGate_ContextCancel(t *testing.T) {
	g := NewGate(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	approved, outcome := g.Wait(ctx, "k", time.Second)
	if approved || outcome != OutcomeCancelled {
		t.Errorf("Wait = %v, %s; want false, cancelled", approved, outcome)
	}
}

func TestGate_ResolveBeforeWait(t *testing.T) {
	g := NewGate(time.Minute)

	if g.Resolve("early", false) {
		t.Error("no waiter yet, Resolve should report false")
	}

	approved, outcome := g.Wait(context.Background(), "early", time.Second)
	if approved || outcome != OutcomeRejected {
		t.Errorf("Wait = %v, %s; want false, rejected", approved, outcome)
	}
	if g.Len() != 0 {
		t.Errorf("slot not consumed: %d", g.Len())
	}
}

func TestGate_EarlyResolutionExpires(t *testing.T) {
	g := NewGate(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Resolve("stale", true)
	if g.Len() != 1 {
		t.Fatalf("expected held early verdict, got %d slots", g.Len())
	}

	now = now.Add(2 * time.Minute)
	if g.Len() != 0 {
		t.Error("expired early verdict not swept")
	}

	approved, outcome := g.Wait(context.Background(), "stale", 20*time.Millisecond)
	if approved || outcome != OutcomeTimeout {
		t.Errorf("Wait after expiry = %v, %s; want false, timeout", approved, outcome)
	}
}

func TestGate_FirstResolveWins(t *testing.T) {
	g := NewGate(0)
	g.Resolve("k", true)
	if g.Resolve("k", false) {
		t.Error("second Resolve should be dropped")
	}
	approved, _ := g.Wait(context.Background(), "k", time.Second)
	if !approved {
		t.Error("first verdict (approve) should win")
	}
}

func TestGate_DuplicateWaitIsBusy(t *testing.T) {
	g := NewGate(0)
	go g.Wait(context.Background(), "dup", 500*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for g.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first waiter never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, outcome := g.Wait(context.Background(), "dup", time.Second); outcome != OutcomeBusy {
		t.Errorf("outcome = %s, want busy", outcome)
	}
	g.Resolve("dup", false)
}

func TestGate_IndependentKeys(t *testing.T) {
	g := NewGate(0)
	const n = 20

	var wg sync.WaitGroup
	results := make([]bool, n)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = NewKey()
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = g.Wait(context.Background(), keys[i], 2*time.Second)
		}(i)
	}
	for i := 0; i < n; i++ {
		g.Resolve(keys[i], i%2 == 0)
	}
	wg.Wait()

	for i, r := range results {
		if r != (i%2 == 0) {
			t.Errorf("key %d: approved = %v, want %v", i, r, i%2 == 0)
		}
	}
	if g.Len() != 0 {
		t.Errorf("slots leaked: %d", g.Len())
	}
}

func TestNewKeyUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		k := NewKey()
		if len(k) != 16 || seen[k] {
			t.Fatalf("bad or duplicate key %q", k)
		}
		seen[k] = true
	}
}
