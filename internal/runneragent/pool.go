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

	"github.com/opsctl/fleet/internal/models"
)

// WorkerPool runs a fixed number of goroutines pulling BuildTasks off
// a buffered channel, capping how many tasks a Runner executes at
// once regardless of how fast its queue is consumed.
type WorkerPool struct {
	size    int
	run     func(models.BuildTask)
	tasks   chan models.BuildTask
	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewWorkerPool builds a pool of size workers, each invoking run for
// every submitted task. size is clamped to at least 1.
func NewWorkerPool(size int, run func(models.BuildTask)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		run:     run,
		tasks:   make(chan models.BuildTask, size*4),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

// Submit enqueues a task, blocking if every worker and the buffer are
// busy. A Runner's AMQP prefetch is sized to its worker count so this
// rarely blocks for long in practice.
func (p *WorkerPool) Submit(task models.BuildTask) {
	p.tasks <- task
}

// Stop closes the intake channel and waits for the workers to drain
// every task already submitted.
func (p *WorkerPool) Stop() {
	close(p.stopped)
	close(p.tasks)
	p.wg.Wait()
}
