package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Helper functions for response envelopes and middleware

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}

// toEnvelope flattens a payload's JSON fields into a response map
func toEnvelope(payload interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var env map[string]interface{}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return env, nil
}

// respond writes payload as a success envelope
func (s *Server) respond(w http.ResponseWriter, payload interface{}) {
	env, err := toEnvelope(payload)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.success(w, env)
}

// success marks the envelope successful and signs it when signing is enabled.
// The integrity block covers every other field of the envelope.
func (s *Server) success(w http.ResponseWriter, env map[string]interface{}) {
	env["success"] = true
	if s.deps.Signer != nil {
		integrity, err := s.deps.Signer.Sign(env)
		if err != nil {
			logrus.WithError(err).Warn("Failed to sign response")
		} else {
			env["integrity"] = integrity
		}
	}
	writeJSON(w, http.StatusOK, env)
}

// errorResponse returns a formatted error envelope
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Warn(errorMsg)
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and durations per route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("Request handled")

		if s.metrics != nil {
			s.metrics.requestCounter.WithLabelValues(route, fmt.Sprint(rec.status)).Inc()
			s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// clientLimiter throttles inbound requests per caller, keyed by user id or
// remote IP. A non-positive rate disables it.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// maxTrackedClients bounds the limiter map; it is reset when exceeded
const maxTrackedClients = 10000

func (l *clientLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxTrackedClients {
			l.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.rate <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(userHeader)
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}

		if !l.get(key).Allow() {
			logrus.WithFields(logrus.Fields{"client": key, "path": r.URL.Path}).Warn("Rate limit exceeded")
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"success": false,
				"error":   "Rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
