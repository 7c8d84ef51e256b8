// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package ratelimit implements the per-IP sliding-window request
// admission control, grounded on
// container/list deque idiom for bounded-history structures, here
// tracking request timestamps instead of log lines.
package ratelimit

import (
	"container/list"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config configures one sliding-window limiter.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultGeneral is the default configuration for ordinary API traffic.
func DefaultGeneral() Config { return Config{MaxRequests: 100, Window: 60 * time.Second} }

// DefaultLogin is the default, stricter configuration for the login
// endpoint.
func DefaultLogin() Config { return Config{MaxRequests: 10, Window: 300 * time.Second} }

const (
	trimThreshold = 10000
	trimEvictCount = 5000
)

// Limiter tracks a sliding window of request timestamps per IP.
type Limiter struct {
	cfg Config
	mu  sync.Mutex
	log map[string]*list.List // each element is a time.Time
	now func() time.Time
}

// New constructs a Limiter for cfg.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, log: map[string]*list.List{}, now: time.Now}
}

// Allow admits a request from ip iff fewer than MaxRequests timestamps
// fall within the trailing Window; on success it records now.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	deque, ok := l.log[ip]
	if !ok {
		deque = list.New()
		l.log[ip] = deque
	}

	cutoff := now.Add(-l.cfg.Window)
	for front := deque.Front(); front != nil; {
		next := front.Next()
		if front.Value.(time.Time).Before(cutoff) {
			deque.Remove(front)
		}
		front = next
	}

	if deque.Len() >= l.cfg.MaxRequests {
		return false
	}
	deque.PushBack(now)
	return true
}

// Trim caps memory use when the number of tracked IPs grows unbounded:
// once the tracked-IP count exceeds trimThreshold, the oldest
// trimEvictCount entries (by least-recently-active IP) are evicted.
// Intended to run on a background ticker, the same idiom as the
// teacher's runnersHealthcheck loop.
func (l *Limiter) Trim() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.log) <= trimThreshold {
		return
	}

	type lastActive struct {
		ip string
		at time.Time
	}
	candidates := make([]lastActive, 0, len(l.log))
	for ip, deque := range l.log {
		at := time.Time{}
		if back := deque.Back(); back != nil {
			at = back.Value.(time.Time)
		}
		candidates = append(candidates, lastActive{ip: ip, at: at})
	}

	evict := trimEvictCount
	for i := 0; i < len(candidates) && evict > 0; i++ {
		oldestIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].at.Before(candidates[oldestIdx].at) {
				oldestIdx = j
			}
		}
		candidates[i], candidates[oldestIdx] = candidates[oldestIdx], candidates[i]
		delete(l.log, candidates[i].ip)
		evict--
	}
}

// RunTrimmer calls Trim on every tick until stop is closed.
func (l *Limiter) RunTrimmer(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Trim()
		}
	}
}

// ClientIP extracts the caller's address: when trustProxy is
// set, headers are walked in order (X-Forwarded-For's first token,
// X-Real-IP, CF-Connecting-IP, X-Original-Forwarded-For); otherwise the
// transport peer address is used. A loopback address is the last-resort
// default.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		for _, header := range []string{"X-Real-IP", "CF-Connecting-IP", "X-Original-Forwarded-For"} {
			if v := r.Header.Get(header); v != "" {
				return v
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "127.0.0.1"
}
