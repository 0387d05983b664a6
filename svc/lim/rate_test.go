package lim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeCounters is an in-memory CounterStore with real fixed-window expiry.
type fakeCounters struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
	fail    bool
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (f *fakeCounters) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("counter store down")
	}
	if exp, ok := f.expires[key]; ok && time.Now().After(exp) {
		delete(f.counts, key)
		delete(f.expires, key)
	}
	f.counts[key]++
	if f.counts[key] == 1 {
		f.expires[key] = time.Now().Add(window)
	}
	return f.counts[key], nil
}

func (f *fakeCounters) ResetCounter(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, key)
	delete(f.expires, key)
	return nil
}

func newTestLimiter(t *testing.T, counters CounterStore) *Limiter {
	t.Helper()
	l := New(counters, nil)
	t.Cleanup(l.Stop)
	return l
}

func TestCheck_FixedWindow(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	p := Policy{Name: "test", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := l.Check(ctx, p, "1.2.3.4")
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if res.Remaining != 3-i {
			t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}
	res := l.Check(ctx, p, "1.2.3.4")
	if res.Allowed {
		t.Fatal("4th call within window should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("denied result remaining = %d, want 0", res.Remaining)
	}
}

func TestCheck_WindowReset(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	p := Policy{Name: "short", Limit: 1, Window: 30 * time.Millisecond}
	ctx := context.Background()

	if res := l.Check(ctx, p, "a"); !res.Allowed {
		t.Fatal("first call should be allowed")
	}
	if res := l.Check(ctx, p, "a"); res.Allowed {
		t.Fatal("second call within window should be denied")
	}
	time.Sleep(40 * time.Millisecond)
	if res := l.Check(ctx, p, "a"); !res.Allowed {
		t.Fatal("call after window elapsed should reset to 1 and be allowed")
	}
}

func TestCheck_IndependentIdentifiers(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	p := Policy{Name: "iso", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	if res := l.Check(ctx, p, "a"); !res.Allowed {
		t.Fatal("identifier a should be allowed")
	}
	if res := l.Check(ctx, p, "b"); !res.Allowed {
		t.Fatal("identifier b has its own counter")
	}
}

func TestCheck_FailOpen(t *testing.T) {
	fc := newFakeCounters()
	fc.fail = true
	l := newTestLimiter(t, fc)
	p := Policy{Name: "down", Limit: 1, Window: time.Minute}

	for i := 0; i < 5; i++ {
		if res := l.Check(context.Background(), p, "x"); !res.Allowed {
			t.Fatal("limiter must fail open when the counter store is unavailable")
		}
	}
}

func TestCheck_NilCounters(t *testing.T) {
	l := newTestLimiter(t, nil)
	p := Policy{Name: "nil", Limit: 1, Window: time.Minute}
	if res := l.Check(context.Background(), p, "x"); !res.Allowed {
		t.Fatal("nil counter store must be treated as allowed")
	}
}

func TestCheckComposite(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	p := Policy{Name: "comp", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	// unauthenticated: judged solely by IP
	for i := 0; i < 2; i++ {
		if res := l.CheckComposite(ctx, p, "9.9.9.9", ""); !res.Allowed {
			t.Fatalf("anonymous call %d should pass", i+1)
		}
	}
	if res := l.CheckComposite(ctx, p, "9.9.9.9", ""); res.Allowed {
		t.Fatal("anonymous over IP limit should be denied")
	}

	// authenticated: user leg runs at 2x the limit, after the IP leg passes
	fc2 := newFakeCounters()
	l2 := newTestLimiter(t, fc2)
	for i := 0; i < 4; i++ {
		res := l2.CheckComposite(ctx, p, ipFor(i), "user-1")
		if !res.Allowed {
			t.Fatalf("user call %d within 2x limit should pass", i+1)
		}
	}
	res := l2.CheckComposite(ctx, p, ipFor(5), "user-1")
	if res.Allowed {
		t.Fatal("user over 2x limit should be denied even with fresh IPs")
	}
}

func TestCheckComposite_IPNotBypassed(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	p := Policy{Name: "ipfirst", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	if res := l.CheckComposite(ctx, p, "8.8.8.8", "user-1"); !res.Allowed {
		t.Fatal("first call should pass")
	}
	// IP counter is exhausted; the user check must not rescue the call
	if res := l.CheckComposite(ctx, p, "8.8.8.8", "user-1"); res.Allowed {
		t.Fatal("IP check must not be bypassed by the user check")
	}
}

func TestCheckBurst(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	burst := Policy{Name: "b", Limit: 2, Window: time.Minute}
	sustained := Policy{Name: "s", Limit: 10, Window: time.Hour}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := l.CheckBurst(ctx, burst, sustained, "k"); !res.Allowed {
			t.Fatalf("call %d within burst should pass", i+1)
		}
	}
	res := l.CheckBurst(ctx, burst, sustained, "k")
	if res.Allowed {
		t.Fatal("call over burst limit should be denied")
	}
	if res.Limit != burst.Limit {
		t.Errorf("burst failure should carry the burst policy limit, got %d", res.Limit)
	}
}

func TestReset(t *testing.T) {
	fc := newFakeCounters()
	l := newTestLimiter(t, fc)
	p := Policy{Name: "r", Limit: 1, Window: time.Hour}
	ctx := context.Background()

	l.Check(ctx, p, "z")
	if res := l.Check(ctx, p, "z"); res.Allowed {
		t.Fatal("should be denied before reset")
	}
	if err := l.Reset(ctx, p, "z"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if res := l.Check(ctx, p, "z"); !res.Allowed {
		t.Fatal("should be allowed after reset")
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Now()
	r := &Result{Reset: now.Add(90 * time.Second)}
	if got := r.RetryAfter(now); got != 90 {
		t.Errorf("RetryAfter = %d, want 90", got)
	}
	r = &Result{Reset: now.Add(1500 * time.Millisecond)}
	if got := r.RetryAfter(now); got != 2 {
		t.Errorf("RetryAfter should round up, got %d", got)
	}
	r = &Result{Reset: now.Add(-time.Second)}
	if got := r.RetryAfter(now); got != 0 {
		t.Errorf("RetryAfter past reset = %d, want 0", got)
	}
}

func ipFor(i int) string {
	return "10.0.0." + string(rune('0'+i))
}
