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

package runneragent

import (
	"context"
	"testing"

	"github.com/opsctl/fleet/internal/config"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := &config.RunnerEnvConfig{
		Name:              "test-runner",
		MaxConcurrentJobs: 2,
		WorkspaceDir:      t.TempDir(),
	}
	return New(cfg, nil, Executors{})
}

func TestAgentJobCounter(t *testing.T) {
	a := newTestAgent(t)

	if got := a.jobs(); got != 0 {
		t.Fatalf("expected 0 jobs initially, got %d", got)
	}
	a.addJob()
	a.addJob()
	if got := a.jobs(); got != 2 {
		t.Fatalf("expected 2 jobs after two addJob calls, got %d", got)
	}
	a.removeJob()
	if got := a.jobs(); got != 1 {
		t.Fatalf("expected 1 job after a removeJob call, got %d", got)
	}
}

func TestAgentCancelUnknownTaskReturnsFalse(t *testing.T) {
	a := newTestAgent(t)
	if a.Cancel("never-started") {
		t.Fatal("expected Cancel to report false for a task with no registered cancel func")
	}
}

func TestAgentCancelInvokesRegisteredCancelFunc(t *testing.T) {
	a := newTestAgent(t)
	called := false
	_, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelFuncs["task-1"] = func() {
		called = true
		cancel()
	}
	a.mu.Unlock()

	if !a.Cancel("task-1") {
		t.Fatal("expected Cancel to report true for a registered task")
	}
	if !called {
		t.Fatal("expected Cancel to invoke the registered cancel func")
	}
}

func TestLocalIPsExcludesLoopback(t *testing.T) {
	for _, ip := range localIPs() {
		if ip == "127.0.0.1" || ip == "::1" {
			t.Fatalf("expected localIPs to exclude loopback addresses, got %s", ip)
		}
	}
}

func TestSystemInfoPopulatesOSAndArch(t *testing.T) {
	info := systemInfo()
	if info.OS == "" || info.Arch == "" {
		t.Fatal("expected systemInfo to populate OS and Arch")
	}
}
