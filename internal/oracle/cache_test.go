package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/card-valuation-ea/internal/circuitbreaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func TestPrices_CachedWithinTTL(t *testing.T) {
	var hits int32
	var gotIDs, gotCurrencies string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotIDs = r.URL.Query().Get("ids")
		gotCurrencies = r.URL.Query().Get("currencies")
		w.Write([]byte(`{"ethereum":{"usd":2000,"eth":1},"gods-unchained":{"usd":0.15,"eth":0.0001}}`))
	}))
	defer srv.Close()

	clock := newClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	c := New(srv.URL, []string{"gods-unchained", "ethereum"}, WithClock(clock.Now), WithMetrics(metrics))

	first := c.Prices(context.Background())
	clock.Advance(59 * time.Second)
	second := c.Prices(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second call inside the TTL must not reach the oracle")
	assert.Equal(t, "ethereum,gods-unchained", gotIDs)
	assert.Equal(t, "usd,eth", gotCurrencies)
	assert.Equal(t, first, second)

	rate, ok := second.Rate("ethereum")
	require.True(t, ok)
	assert.Equal(t, 2000.0, rate)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("miss")))

	clock.Advance(time.Second)
	c.Prices(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "expired snapshot is refreshed")
}

func TestPrices_ReturnsCopies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum":{"usd":2000}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"ethereum"}, WithClock(newClock().Now))
	snap := c.Prices(context.Background())
	snap.Rates["ethereum"] = 1

	rate, _ := c.Prices(context.Background()).Rate("ethereum")
	assert.Equal(t, 2000.0, rate)
}

func TestPrices_UnionOfRequestedAndRegistryIDs(t *testing.T) {
	var gotIDs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIDs = r.URL.Query().Get("ids")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"ethereum", "usd-coin"}, WithClock(newClock().Now))
	c.Prices(context.Background(), "immutable-x", "ethereum")

	assert.Equal(t, "ethereum,immutable-x,usd-coin", gotIDs)
}

func TestPrices_RetriesRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ethereum":{"usd":1800}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"ethereum"}, WithClock(newClock().Now), WithRateLimitStep(time.Millisecond))
	snap := c.Prices(context.Background())

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	rate, ok := snap.Rate("ethereum")
	require.True(t, ok)
	assert.Equal(t, 1800.0, rate)
}

func TestPrices_FallsBackToLastSnapshot(t *testing.T) {
	var hits int32
	var limited atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if limited.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ethereum":{"usd":2000}}`))
	}))
	defer srv.Close()

	clock := newClock()
	c := New(srv.URL, []string{"ethereum"}, WithClock(clock.Now), WithRateLimitStep(time.Millisecond))

	fresh := c.Prices(context.Background())
	require.False(t, fresh.Empty())

	limited.Store(true)
	clock.Advance(2 * time.Minute)
	stale := c.Prices(context.Background())

	assert.Equal(t, int32(4), atomic.LoadInt32(&hits), "one fetch plus three rate-limited attempts")
	assert.Equal(t, fresh, stale)
}

func TestPrices_FailureWithoutSnapshotIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"ethereum"}, WithClock(newClock().Now))
	snap := c.Prices(context.Background())

	assert.True(t, snap.Empty())
}

func TestPrices_DropsInvalidRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum":{"usd":2000},"gods-unchained":{"usd":0},"immutable-x":{"eth":1}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"ethereum", "gods-unchained", "immutable-x"}, WithClock(newClock().Now))
	snap := c.Prices(context.Background())

	assert.Equal(t, map[string]float64{"ethereum": 2000}, snap.Rates)
}

func TestPrices_ConcurrentMissesShareOneRequest(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte(`{"ethereum":{"usd":2000}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, []string{"ethereum"}, WithClock(newClock().Now))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := c.Prices(context.Background())
			assert.False(t, snap.Empty())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPrices_BreakerSuspendsFailingOracle(t *testing.T) {
	var hits int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ethereum":{"usd":2500}}`))
	}))
	defer srv.Close()

	clock := newClock()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	breaker := circuitbreaker.New("oracle", circuitbreaker.Options{FailureThreshold: 2, ResetDelay: 5 * time.Minute}).WithClock(clock.Now)
	c := New(srv.URL, []string{"ethereum"}, WithClock(clock.Now), WithBreaker(breaker), WithMetrics(metrics))

	for i := 0; i < 4; i++ {
		assert.True(t, c.Prices(context.Background()).Empty())
		clock.Advance(time.Minute)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "calls stop once the breaker opens")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("short_circuit")))

	healthy.Store(true)
	clock.Advance(5 * time.Minute)
	snap := c.Prices(context.Background())

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 2500.0, snap.Rates["ethereum"])
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())
}
