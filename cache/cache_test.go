package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/joncooperworks/custody/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestGetOrFetchStaleness(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[string, int]("gas", WithClock(clock.Now))
	const staleAfter = 30 * time.Second

	var fetches atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		return int(fetches.Add(1)), nil
	}

	if v, err := c.GetOrFetch(ctx, "cusd", fetch, staleAfter); err != nil || v != 1 {
		t.Fatalf("GetOrFetch() = %d, %v; want 1, nil", v, err)
	}

	clock.Advance(staleAfter - time.Millisecond)
	if v, _ := c.GetOrFetch(ctx, "cusd", fetch, staleAfter); v != 1 {
		t.Errorf("GetOrFetch() at S-1 = %d, want cached 1", v)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches at S-1 = %d, want 1", n)
	}

	clock.Advance(2 * time.Millisecond)

	const callers = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := c.GetOrFetch(ctx, "cusd", func(ctx context.Context) (int, error) {
				time.Sleep(10 * time.Millisecond)
				return fetch(ctx)
			}, staleAfter)
			if err != nil || v != 2 {
				t.Errorf("GetOrFetch() at S+1 = %d, %v; want 2, nil", v, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches after S+1 with %d callers = %d, want 2", callers, n)
	}
}

func TestGetOrFetchPerKeyClocks(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[string, string]("gas", WithClock(clock.Now))

	calls := map[string]int{}
	fetchFor := func(key string) FetchFunc[string] {
		return func(ctx context.Context) (string, error) {
			calls[key]++
			return key, nil
		}
	}

	c.GetOrFetch(ctx, "a", fetchFor("a"), time.Minute)
	clock.Advance(45 * time.Second)
	c.GetOrFetch(ctx, "b", fetchFor("b"), time.Minute)
	clock.Advance(30 * time.Second)

	// a is 75s old, b is 30s old.
	c.GetOrFetch(ctx, "a", fetchFor("a"), time.Minute)
	c.GetOrFetch(ctx, "b", fetchFor("b"), time.Minute)

	if calls["a"] != 2 {
		t.Errorf("fetches for a = %d, want 2", calls["a"])
	}
	if calls["b"] != 1 {
		t.Errorf("fetches for b = %d, want 1", calls["b"])
	}
}

func TestGetOrFetchFailureKeepsStaleValue(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[string, int]("gas", WithClock(clock.Now))
	upstream := errors.New("rpc unavailable")

	if _, err := c.GetOrFetch(ctx, "k", func(context.Context) (int, error) { return 7, nil }, time.Second); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	clock.Advance(2 * time.Second)

	_, err := c.GetOrFetch(ctx, "k", func(context.Context) (int, error) { return 0, upstream }, time.Second)
	if !errors.Is(err, ErrUpstreamFetchFailed) || !errors.Is(err, upstream) {
		t.Errorf("GetOrFetch() error = %v, want ErrUpstreamFetchFailed wrapping upstream error", err)
	}
	v, fetchedAt, ok := c.Peek("k")
	if !ok || v != 7 {
		t.Errorf("Peek() after failed fetch = %d, %v; want stale 7", v, ok)
	}
	if !fetchedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("failed fetch moved fetchedAt to %v", fetchedAt)
	}

	// No internal retry: the next call fetches again.
	var attempts int
	c.GetOrFetch(ctx, "k", func(context.Context) (int, error) { attempts++; return 8, nil }, time.Second)
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestGetOrFetchContextCancelledWhileWaiting(t *testing.T) {
	c := New[string, int]("gas")
	release := make(chan struct{})
	started := make(chan struct{})

	go c.GetOrFetch(context.Background(), "k", func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}, time.Minute)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetOrFetch(ctx, "k", func(context.Context) (int, error) { return 2, nil }, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("GetOrFetch() error = %v, want context.Canceled", err)
	}
	close(release)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New[int, int]("test")
	var n int
	fetch := func(context.Context) (int, error) { n++; return n, nil }

	c.GetOrFetch(ctx, 1, fetch, time.Hour)
	c.Invalidate(1)
	if v, _ := c.GetOrFetch(ctx, 1, fetch, time.Hour); v != 2 {
		t.Errorf("GetOrFetch() after Invalidate = %d, want 2", v)
	}
}

func TestCacheMetrics(t *testing.T) {
	ctx := context.Background()
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New() error = %v", err)
	}
	c := New[string, int]("gas", WithMetrics(m))
	fetch := func(context.Context) (int, error) { return 1, nil }

	c.GetOrFetch(ctx, "k", fetch, time.Hour)
	c.GetOrFetch(ctx, "k", fetch, time.Hour)
	c.GetOrFetch(ctx, "k", fetch, time.Hour)

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("gas", "miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("gas", "hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
}
