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

// Package concurrency implements the tri-level (global/group/environment)
// admission controller, built on buffered channels used
// as counting semaphores -- a channel-first idiom (cf. the
// narwhal RunnerPool's commitQueue) generalized to acquire/release pairs
// instead of a single worker queue.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/opsctl/fleet/internal/apperr"
)

// Strategy is the over-limit admission policy.
type Strategy string

const (
	Reject Strategy = "reject"
	Wait   Strategy = "wait"
	Queue  Strategy = "queue" // aliased to Wait; see DESIGN.md, internal/concurrency.
)

// unlimited is the effective capacity substituted for a non-positive
// configured limit.
const unlimited = 10000

const productionEnvironment = "production"

// Config configures a Controller.
type Config struct {
	GlobalLimit        int
	GroupLimit         int
	EnvironmentLimit   int
	ProductionLimit    int
	AcquireTimeout     time.Duration
	Strategy           Strategy
	QueueMaxLength     int
}

func normalize(limit int) int {
	if limit <= 0 {
		return unlimited
	}
	return limit
}

// semaphore is a buffered-channel counting semaphore with a fixed
// capacity, used at every level of the controller.
type semaphore struct {
	tokens chan struct{}
	limit  int
}

func newSemaphore(limit int) *semaphore {
	limit = normalize(limit)
	s := &semaphore{tokens: make(chan struct{}, limit), limit: limit}
	return s
}

func (s *semaphore) tryAcquire() bool {
	select {
	case s.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) acquire(ctx context.Context) bool {
	select {
	case s.tokens <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *semaphore) release() {
	select {
	case <-s.tokens:
	default:
	}
}

func (s *semaphore) used() int { return len(s.tokens) }

// Controller is a single instance's tri-level admission gate.
type Controller struct {
	cfg    Config
	global *semaphore

	mu    sync.Mutex
	group map[string]*semaphore
	env   map[string]*semaphore
}

// New constructs a Controller from Config.
func New(cfg Config) *Controller {
	if cfg.Strategy == "" {
		cfg.Strategy = Wait
	}
	return &Controller{
		cfg:    cfg,
		global: newSemaphore(cfg.GlobalLimit),
		group:  map[string]*semaphore{},
		env:    map[string]*semaphore{},
	}
}

func (c *Controller) groupSemaphore(id string) *semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.group[id]
	if !ok {
		s = newSemaphore(c.cfg.GroupLimit)
		c.group[id] = s
	}
	return s
}

func (c *Controller) envSemaphore(name string) *semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.env[name]
	if !ok {
		limit := c.cfg.EnvironmentLimit
		if name == productionEnvironment && c.cfg.ProductionLimit > 0 {
			limit = c.cfg.ProductionLimit
		}
		s = newSemaphore(limit)
		c.env[name] = s
	}
	return s
}

// Permit is an opaque handle returned by Acquire; Release undoes every
// level acquired, in reverse order.
type Permit struct {
	releases []func()
}

// Release gives back every semaphore slot this permit holds, reverse of
// acquisition order (global -> group -> env means release env -> group
// -> global).
func (p *Permit) Release() {
	for i := len(p.releases) - 1; i >= 0; i-- {
		p.releases[i]()
	}
	p.releases = nil
}

// Acquire admits the caller at the global level and, if provided, the
// group and environment levels, honoring the configured Strategy.
// Acquisition order is fixed: global -> group -> env; a failure at any
// level releases everything acquired so far before returning.
func (c *Controller) Acquire(ctx context.Context, group, env string) (*Permit, error) {
	switch c.cfg.Strategy {
	case Reject:
		return c.acquireNoWait(group, env)
	default: // Wait and Queue (aliased)
		return c.acquireWithTimeout(ctx, group, env)
	}
}

func (c *Controller) acquireNoWait(group, env string) (*Permit, error) {
	p := &Permit{}
	if !c.global.tryAcquire() {
		return nil, apperr.New(apperr.ConcurrencyRejected, "global concurrency limit reached").WithDetail("global")
	}
	p.releases = append(p.releases, c.global.release)

	if group != "" {
		gs := c.groupSemaphore(group)
		if !gs.tryAcquire() {
			p.Release()
			return nil, apperr.New(apperr.ConcurrencyRejected, "group concurrency limit reached").WithDetail("group:" + group)
		}
		p.releases = append(p.releases, gs.release)
	}

	if env != "" {
		es := c.envSemaphore(env)
		if !es.tryAcquire() {
			p.Release()
			return nil, apperr.New(apperr.ConcurrencyRejected, "environment concurrency limit reached").WithDetail("environment:" + env)
		}
		p.releases = append(p.releases, es.release)
	}

	return p, nil
}

func (c *Controller) acquireWithTimeout(parent context.Context, group, env string) (*Permit, error) {
	timeout := c.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	p := &Permit{}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if !c.global.acquire(ctx) {
		return nil, apperr.New(apperr.ConcurrencyTimeout, "timed out acquiring global permit").WithDetail("global")
	}
	p.releases = append(p.releases, c.global.release)

	if group != "" {
		gs := c.groupSemaphore(group)
		gctx, gcancel := context.WithTimeout(parent, timeout)
		ok := gs.acquire(gctx)
		gcancel()
		if !ok {
			p.Release()
			return nil, apperr.New(apperr.ConcurrencyTimeout, "timed out acquiring group permit").WithDetail("group:" + group)
		}
		p.releases = append(p.releases, gs.release)
	}

	if env != "" {
		es := c.envSemaphore(env)
		ectx, ecancel := context.WithTimeout(parent, timeout)
		ok := es.acquire(ectx)
		ecancel()
		if !ok {
			p.Release()
			return nil, apperr.New(apperr.ConcurrencyTimeout, "timed out acquiring environment permit").WithDetail("environment:" + env)
		}
		p.releases = append(p.releases, es.release)
	}

	return p, nil
}

// LevelStats reports utilization for one semaphore level.
type LevelStats struct {
	Limit       int     `json:"limit"`
	Used        int     `json:"used"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization"`
}

func statsOf(s *semaphore) LevelStats {
	used := s.used()
	avail := s.limit - used
	var util float64
	if s.limit > 0 {
		util = float64(used) / float64(s.limit)
	}
	return LevelStats{Limit: s.limit, Used: used, Available: avail, Utilization: util}
}

// Stats is the full GetStats() response: global level plus per-scope
// breakdown for every group/environment that has been touched.
type Stats struct {
	Global      LevelStats            `json:"global"`
	Groups      map[string]LevelStats `json:"groups"`
	Environments map[string]LevelStats `json:"environments"`
}

// GetStats snapshots current utilization at every level.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make(map[string]LevelStats, len(c.group))
	for k, s := range c.group {
		groups[k] = statsOf(s)
	}
	envs := make(map[string]LevelStats, len(c.env))
	for k, s := range c.env {
		envs[k] = statsOf(s)
	}
	return Stats{
		Global:       statsOf(c.global),
		Groups:       groups,
		Environments: envs,
	}
}
