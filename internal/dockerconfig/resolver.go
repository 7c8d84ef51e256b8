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

// Package dockerconfig resolves the effective Docker execution
// configuration for a Runner from layered overrides -- default, then
// per-capability, then per-runner -- and tracks version
// history the way a CI config loader tracks a single
// default image (backend/ci.go loadFromFile), generalized to three
// layers and versioned.
package dockerconfig

import (
	"sync"
	"time"

	"github.com/opsctl/fleet/internal/models"
)

// Store holds the layered configuration and resolves it per Runner.
type Store struct {
	mu                 sync.RWMutex
	defaultConfig      models.DockerConfig
	capabilityOverride map[string]models.DockerConfig
	runnerOverride     map[string]models.DockerConfig
	version            int
	history            []models.DockerConfigHistoryEntry
	now                func() time.Time
}

// New constructs a Store with the given default configuration.
func New(defaultConfig models.DockerConfig) *Store {
	defaultConfig.Version = 1
	return &Store{
		defaultConfig:      defaultConfig,
		capabilityOverride: map[string]models.DockerConfig{},
		runnerOverride:     map[string]models.DockerConfig{},
		version:            1,
		now:                time.Now,
	}
}

// ResolveFor applies every matching capability override (order
// irrelevant when fields don't conflict, else last-wins) and then the
// per-runner override, which has the highest priority.
func (s *Store) ResolveFor(runnerName string, capabilities []string) models.DockerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resolved := s.defaultConfig
	for _, cap := range capabilities {
		if override, ok := s.capabilityOverride[cap]; ok {
			resolved = models.Merge(resolved, override)
		}
	}
	if override, ok := s.runnerOverride[runnerName]; ok {
		resolved = models.Merge(resolved, override)
	}
	resolved.Version = s.version
	return resolved
}

// SetDefault replaces the default layer, bumping the version and
// recording a history entry.
func (s *Store) SetDefault(cfg models.DockerConfig, reason, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(s.defaultConfig, cfg, reason, changedBy)
	s.defaultConfig = cfg
}

// SetCapabilityOverride replaces the override for one capability tag.
func (s *Store) SetCapabilityOverride(capability string, cfg models.DockerConfig, reason, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.capabilityOverride[capability]
	s.record(old, cfg, reason, changedBy)
	s.capabilityOverride[capability] = cfg
}

// SetRunnerOverride replaces the override for one named Runner.
func (s *Store) SetRunnerOverride(runnerName string, cfg models.DockerConfig, reason, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.runnerOverride[runnerName]
	s.record(old, cfg, reason, changedBy)
	s.runnerOverride[runnerName] = cfg
}

func (s *Store) record(old, new models.DockerConfig, reason, changedBy string) {
	s.version++
	s.history = append(s.history, models.DockerConfigHistoryEntry{
		Old:          old,
		New:          new,
		ChangeReason: reason,
		ChangedBy:    changedBy,
		At:           s.now(),
	})
}

// History returns every recorded configuration change, oldest first.
func (s *Store) History() []models.DockerConfigHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DockerConfigHistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Version returns the current configuration version.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
