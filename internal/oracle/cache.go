// Package oracle caches USD conversion rates from the price oracle.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/card-valuation-ea/internal/circuitbreaker"
	"github.com/yourorg/card-valuation-ea/internal/validation"
)

// Snapshot maps oracle coin ids to USD prices at one point in time
type Snapshot struct {
	Rates      map[string]float64 `json:"rates"`
	CapturedAt time.Time          `json:"captured_at"`
}

// Rate returns the USD price of a coin, false when absent
func (s Snapshot) Rate(coinID string) (float64, bool) {
	v, ok := s.Rates[coinID]
	return v, ok
}

// Empty reports whether the snapshot holds no rates
func (s Snapshot) Empty() bool {
	return len(s.Rates) == 0
}

// Copy returns a snapshot that shares no state with s
func (s Snapshot) Copy() Snapshot {
	rates := make(map[string]float64, len(s.Rates))
	for k, v := range s.Rates {
		rates[k] = v
	}
	return Snapshot{Rates: rates, CapturedAt: s.CapturedAt}
}

// Cache holds one whole-snapshot of rates. Within the TTL every caller gets a
// copy of it without a network call; after that the next caller refreshes it
// and concurrent misses share one upstream request.
type Cache struct {
	url     string
	coins   []string
	ttl     time.Duration
	step    time.Duration
	retry   *retryablehttp.Client
	now     func() time.Time
	group   singleflight.Group
	metrics *Metrics
	breaker *circuitbreaker.CircuitBreaker

	mu       sync.RWMutex
	snapshot Snapshot
}

// Option customizes a Cache
type Option func(*Cache)

// WithTTL sets the snapshot lifetime
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.retry.HTTPClient.Timeout = d }
}

// WithRateLimitStep sets the linear backoff unit after a 429
func WithRateLimitStep(d time.Duration) Option {
	return func(c *Cache) { c.step = d }
}

// WithMetrics records cache hits, misses and failures
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithBreaker skips refreshes while the oracle keeps failing
func WithBreaker(b *circuitbreaker.CircuitBreaker) Option {
	return func(c *Cache) { c.breaker = b }
}

// New creates a cache for the oracle at rawURL. coins are always requested
// alongside whatever ids a caller asks for.
func New(rawURL string, coins []string, opts ...Option) *Cache {
	c := &Cache{
		url:   rawURL,
		coins: coins,
		ttl:   60 * time.Second,
		step:  5 * time.Second,
		now:   time.Now,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	rc.RetryMax = 2
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return time.Duration(attemptNum+1) * c.step
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.retry = rc

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// checkRetry retries only rate limiting. Anything else ends the refresh.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// Prices returns the current snapshot, refreshing it when expired. A failed
// refresh returns the last known snapshot, which may be stale or empty.
func (c *Cache) Prices(ctx context.Context, coinIDs ...string) Snapshot {
	if snap, ok := c.fresh(); ok {
		c.metrics.hit()
		return snap.Copy()
	}

	ids := c.union(coinIDs)
	v, _, _ := c.group.Do(strings.Join(ids, ","), func() (interface{}, error) {
		if snap, ok := c.fresh(); ok {
			return snap, nil
		}
		c.metrics.miss()
		return c.refresh(ctx, ids), nil
	})
	return v.(Snapshot).Copy()
}

// Last returns the most recent snapshot without refreshing
func (c *Cache) Last() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Copy()
}

func (c *Cache) fresh() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot.CapturedAt.IsZero() || c.now().Sub(c.snapshot.CapturedAt) >= c.ttl {
		return Snapshot{}, false
	}
	return c.snapshot, true
}

func (c *Cache) union(requested []string) []string {
	seen := make(map[string]struct{}, len(c.coins)+len(requested))
	ids := make([]string, 0, len(c.coins)+len(requested))
	for _, list := range [][]string{c.coins, requested} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) refresh(ctx context.Context, ids []string) Snapshot {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			c.metrics.shortCircuit()
			logrus.WithError(err).Debug("Price oracle suspended, serving last known snapshot")
			return c.Last()
		}
	}

	rates, err := c.fetch(ctx, ids)
	if err != nil {
		c.metrics.failure()
		if c.breaker != nil && ctx.Err() == nil {
			c.breaker.Failure(err.Error())
		}
		last := c.Last()
		logrus.WithFields(logrus.Fields{
			"coins":      len(ids),
			"stale_from": last.CapturedAt,
		}).WithError(err).Warn("Price oracle unavailable, serving last known snapshot")
		return last
	}

	if c.breaker != nil {
		c.breaker.Success()
	}

	snap := Snapshot{Rates: rates, CapturedAt: c.now()}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	logrus.WithField("coins", len(rates)).Debug("Price snapshot refreshed")
	return snap
}

func (c *Cache) fetch(ctx context.Context, ids []string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}

	params := url.Values{
		"ids":        {strings.Join(ids, ",")},
		"currencies": {"usd,eth"},
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating oracle request: %w", err)
	}

	resp, err := c.retry.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("error decoding oracle response: %w", err)
	}

	rates := make(map[string]float64, len(ids))
	for _, id := range ids {
		if quote, ok := payload[id]; ok {
			rates[id] = quote["usd"]
		}
	}
	return validation.FilterRates(rates), nil
}

// Metrics counts cache behaviour. A nil *Metrics records nothing.
type Metrics struct {
	lookups *prometheus.CounterVec
}

// NewMetrics creates and registers the oracle collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cache_lookups_total",
				Help: "Price oracle cache lookups by outcome",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.lookups)
	return m
}

func (m *Metrics) hit()     { m.inc("hit") }
func (m *Metrics) miss()    { m.inc("miss") }
func (m *Metrics) failure() { m.inc("failure") }

func (m *Metrics) shortCircuit() { m.inc("short_circuit") }

func (m *Metrics) inc(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}
