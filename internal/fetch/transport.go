package fetch

import (
	"math/rand"
	"net/http"

	"github.com/yourorg/card-valuation-ea/internal/ratelimit"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// RandomUserAgent returns one of the browser user agents
func RandomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// pacedTransport throttles each attempt per endpoint and dresses it as a
// browser request. Accept-Encoding is left to the base transport so gzip
// bodies are decoded transparently.
type pacedTransport struct {
	base    http.RoundTripper
	limiter *ratelimit.Limiter
	apiKey  string
	origin  string
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Throttle(req.Context(), ratelimit.EndpointKey(req.URL.String())); err != nil {
			return nil, err
		}
	}

	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", RandomUserAgent())
	out.Header.Set("Accept", "application/json, text/plain, */*")
	out.Header.Set("Accept-Language", "en-US,en;q=0.9")
	out.Header.Set("Cache-Control", "no-cache")
	out.Header.Set("Pragma", "no-cache")
	out.Header.Set("Sec-Fetch-Dest", "empty")
	out.Header.Set("Sec-Fetch-Mode", "cors")
	out.Header.Set("Sec-Fetch-Site", "same-site")
	if t.origin != "" {
		out.Header.Set("Origin", t.origin)
		out.Header.Set("Referer", t.origin+"/")
	}
	if t.apiKey != "" {
		out.Header.Set("X-Api-Key", t.apiKey)
	}
	return t.base.RoundTrip(out)
}
