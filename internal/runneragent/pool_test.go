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
	"sync"
	"testing"
	"time"

	"github.com/opsctl/fleet/internal/models"
)

func TestWorkerPoolRunsEverySubmittedTask(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	pool := NewWorkerPool(3, func(task models.BuildTask) {
		mu.Lock()
		seen[task.TaskID] = true
		mu.Unlock()
	})
	pool.Start()

	for i := 0; i < 10; i++ {
		pool.Submit(models.BuildTask{TaskID: string(rune('a' + i))})
	}
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 10 {
		t.Fatalf("expected 10 tasks run, got %d", len(seen))
	}
}

func TestWorkerPoolClampsSizeToOne(t *testing.T) {
	pool := NewWorkerPool(0, func(models.BuildTask) {})
	if pool.size != 1 {
		t.Fatalf("expected size clamped to 1, got %d", pool.size)
	}
}

func TestWorkerPoolStopDrainsInFlightWorkers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var ran int32

	pool := NewWorkerPool(1, func(models.BuildTask) {
		close(started)
		<-release
		ran = 1
	})
	pool.Start()
	pool.Submit(models.BuildTask{TaskID: "slow"})

	<-started
	close(release)
	pool.Stop()

	if ran != 1 {
		t.Fatalf("expected Stop to wait for the in-flight task to finish")
	}
}

func TestWorkerPoolSubmitDoesNotBlockWithinBuffer(t *testing.T) {
	pool := NewWorkerPool(1, func(models.BuildTask) {
		time.Sleep(10 * time.Millisecond)
	})
	pool.Start()
	defer pool.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			pool.Submit(models.BuildTask{TaskID: "buffered"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked longer than expected for a buffered pool")
	}
}
