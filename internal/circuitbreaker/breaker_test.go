package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("facilitator unreachable")

func fixedClock(b *Breaker) *time.Time {
	current := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	return &current
}

func TestExecutePassesThroughWhenClosed(t *testing.T) {
	b := New(2, 5*time.Second, 1)

	called := false
	err := b.Execute("x", func() error { called = true; return nil })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("fn was not invoked")
	}
	if b.GetState("x") != StateClosed {
		t.Fatalf("state = %v, want closed", b.GetState("x"))
	}
}

func TestTripAndRecover(t *testing.T) {
	b := New(2, 5*time.Second, 1)
	clock := fixedClock(b)

	// Two failures propagate the underlying error and trip the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute("x", func() error { return errBoom }); err != errBoom {
			t.Fatalf("call %d: err = %v, want errBoom", i+1, err)
		}
	}
	if b.GetState("x") != StateOpen {
		t.Fatalf("state = %v, want open after threshold failures", b.GetState("x"))
	}

	// Third call is rejected without invoking fn.
	invoked := false
	err := b.Execute("x", func() error { invoked = true; return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if invoked {
		t.Fatal("fn ran while the breaker was open")
	}
	if openErr.Key != "x" {
		t.Errorf("OpenError.Key = %q", openErr.Key)
	}
	if openErr.RemainingMs <= 0 || openErr.RemainingMs > 5000 {
		t.Errorf("OpenError.RemainingMs = %d, want in (0, 5000]", openErr.RemainingMs)
	}

	// After the recovery window, the next call probes and a success closes.
	*clock = clock.Add(5 * time.Second)
	if err := b.Execute("x", func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.GetState("x") != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.GetState("x"))
	}

	// Recovery cleared the counts: one fresh failure must not trip.
	if err := b.Execute("x", func() error { return errBoom }); err != errBoom {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if b.GetState("x") != StateClosed {
		t.Fatalf("state = %v, want closed after single post-recovery failure", b.GetState("x"))
	}
}

func TestRemainingMsCountsDown(t *testing.T) {
	b := New(1, 5*time.Second, 1)
	clock := fixedClock(b)

	b.Execute("x", func() error { return errBoom })

	*clock = clock.Add(2 * time.Second)
	err := b.Execute("x", func() error { return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if openErr.RemainingMs != 3000 {
		t.Errorf("RemainingMs = %d, want 3000", openErr.RemainingMs)
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(1, 5*time.Second, 1)
	clock := fixedClock(b)

	b.Execute("x", func() error { return errBoom })
	*clock = clock.Add(5 * time.Second)

	if err := b.Execute("x", func() error { return errBoom }); err != errBoom {
		t.Fatalf("probe err = %v, want errBoom", err)
	}
	if b.GetState("x") != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.GetState("x"))
	}

	// The open window restarts from the failed probe.
	err := b.Execute("x", func() error { return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if openErr.RemainingMs != 5000 {
		t.Errorf("RemainingMs = %d, want a fresh 5000", openErr.RemainingMs)
	}
}

func TestHalfOpenProbeCap(t *testing.T) {
	b := New(1, 5*time.Second, 1)
	clock := fixedClock(b)

	b.Execute("x", func() error { return errBoom })
	*clock = clock.Add(5 * time.Second)

	// Hold one probe in flight, then try a second call.
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute("x", func() error { <-release; return nil })
	}()

	// Wait until the probe is admitted.
	deadline := time.After(2 * time.Second)
	for b.GetState("x") != StateHalfOpen {
		select {
		case <-deadline:
			t.Fatal("probe was never admitted")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	err := b.Execute("x", func() error { return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("second half-open call err = %v, want *OpenError", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.GetState("x") != StateClosed {
		t.Fatalf("state = %v, want closed", b.GetState("x"))
	}
}

func TestSuccessClearsFailureStreak(t *testing.T) {
	b := New(3, 5*time.Second, 1)

	b.Execute("x", func() error { return errBoom })
	b.Execute("x", func() error { return errBoom })
	b.Execute("x", func() error { return nil })

	// Streak broken: two more failures stay under the threshold.
	b.Execute("x", func() error { return errBoom })
	b.Execute("x", func() error { return errBoom })
	if b.GetState("x") != StateClosed {
		t.Fatalf("state = %v, want closed", b.GetState("x"))
	}
}

func TestIndependentKeys(t *testing.T) {
	b := New(1, 5*time.Second, 1)

	b.Execute("x:settle", func() error { return errBoom })
	if b.GetState("x:settle") != StateOpen {
		t.Fatal("x:settle should be open")
	}
	if b.GetState("x:verify") != StateClosed {
		t.Fatal("x:verify should be unaffected")
	}
	if err := b.Execute("x:verify", func() error { return nil }); err != nil {
		t.Fatalf("x:verify: %v", err)
	}
}

func TestReset(t *testing.T) {
	b := New(1, 5*time.Second, 1)

	b.Execute("x", func() error { return errBoom })
	if b.GetState("x") != StateOpen {
		t.Fatal("precondition: open")
	}

	b.Reset("x")
	if b.GetState("x") != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.GetState("x"))
	}
	if err := b.Execute("x", func() error { return nil }); err != nil {
		t.Fatalf("post-reset call: %v", err)
	}

	// Reset also zeroes a closed key's failure count.
	b2 := New(2, 5*time.Second, 1)
	b2.Execute("y", func() error { return errBoom })
	b2.Reset("y")
	b2.Execute("y", func() error { return errBoom })
	if b2.GetState("y") != StateClosed {
		t.Fatal("reset did not clear the failure count")
	}
}

func TestResetAll(t *testing.T) {
	b := New(1, 5*time.Second, 1)

	b.Execute("a", func() error { return errBoom })
	b.Execute("b", func() error { return errBoom })
	b.ResetAll()

	if b.GetState("a") != StateClosed || b.GetState("b") != StateClosed {
		t.Fatal("ResetAll left a breaker open")
	}
}

func TestSnapshot(t *testing.T) {
	b := New(2, 5*time.Second, 1)
	fixedClock(b)

	b.Execute("healthy", func() error { return nil })
	b.Execute("tripped", func() error { return errBoom })
	b.Execute("tripped", func() error { return errBoom })

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d keys, want 2", len(snap))
	}

	h := snap["healthy"]
	if h.State != "closed" || h.Failures != 0 {
		t.Errorf("healthy = %+v", h)
	}

	tr := snap["tripped"]
	if tr.State != "open" || tr.Failures != 2 {
		t.Errorf("tripped = %+v", tr)
	}
	if tr.OpenedAt == "" || tr.RemainingMs != 5000 {
		t.Errorf("tripped open fields = %+v", tr)
	}
	if tr.FirstFailureAt == "" {
		t.Error("tripped missing firstFailureAt")
	}
}

func TestUnknownKeyIsClosed(t *testing.T) {
	b := New(2, 5*time.Second, 1)
	if b.GetState("unknown") != StateClosed {
		t.Fatalf("state = %v, want closed for unknown key", b.GetState("unknown"))
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(2, 5*time.Second, 1)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	done := make(chan struct{}, 4)
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
		done <- struct{}{}
	})

	b.Execute("svc", func() error { return errBoom })
	b.Execute("svc", func() error { return errBoom })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transition callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("got %d transitions, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition = %v to %v, want closed to open", transitions[0].from, transitions[0].to)
	}
}

func TestConcurrentFailuresTripOnce(t *testing.T) {
	b := New(10, 5*time.Second, 1)

	var transitions int
	var mu sync.Mutex
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute("svc", func() error { return errBoom })
		}()
	}
	wg.Wait()

	if b.GetState("svc") != StateOpen {
		t.Fatal("breaker did not trip")
	}
	// Callbacks are asynchronous; wait for the dust to settle.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if transitions != 1 {
		t.Fatalf("tripped %d times, want exactly 1", transitions)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
