// Package proxy distributes outbound requests over a pool of upstream HTTP proxies.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Proxy is one upstream proxy credential
type Proxy struct {
	Host     string
	Port     string
	Username string
	Password string
}

// URL renders the proxy as an http:// URL with embedded credentials
func (p Proxy) URL() *url.URL {
	return &url.URL{
		Scheme: "http",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   net.JoinHostPort(p.Host, p.Port),
	}
}

// String omits the password so proxies can be logged
func (p Proxy) String() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// Rotator hands out proxies strictly round-robin. The cursor is shared by all
// callers, so distribution stays even no matter how many goroutines rotate.
type Rotator struct {
	proxies []Proxy
	mu      sync.Mutex
	cursor  int
}

// NewRotator creates a rotator over a fixed proxy list
func NewRotator(proxies []Proxy) *Rotator {
	list := make([]Proxy, len(proxies))
	copy(list, proxies)
	return &Rotator{proxies: list}
}

// Next returns the next proxy, or nil when the pool is empty and requests go direct
func (r *Rotator) Next() *Proxy {
	if r == nil || len(r.proxies) == 0 {
		return nil
	}

	r.mu.Lock()
	p := r.proxies[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.proxies)
	r.mu.Unlock()

	return &p
}

// Len returns the pool size
func (r *Rotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.proxies)
}

// ProxyFunc adapts the rotator for http.Transport.Proxy. Each outbound request
// (and therefore each retry attempt) takes the next proxy in the rotation.
func (r *Rotator) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		p := r.Next()
		if p == nil {
			return nil, nil
		}
		return p.URL(), nil
	}
}

// Parse reads newline-delimited host:port:username:password entries.
// Blank lines and lines with fewer than four fields are skipped.
func Parse(rd io.Reader) ([]Proxy, error) {
	var proxies []Proxy
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 4 {
			continue
		}
		proxies = append(proxies, Proxy{
			Host:     parts[0],
			Port:     parts[1],
			Username: parts[2],
			Password: parts[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}
	return proxies, nil
}

// LoadFile loads a proxy list from disk. A missing file yields an empty pool.
func LoadFile(path string) ([]Proxy, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("No proxy file at %s, requests will go direct", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	proxies, err := Parse(f)
	if err != nil {
		return nil, err
	}
	logrus.Infof("Loaded %d proxies from %s", len(proxies), path)
	return proxies, nil
}
