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

// Package runneragent is the Runner side of the fleet: it registers
// with the control plane, sends periodic heartbeats, consumes
// directed build.task messages from its own queue, and fans each task
// out to a fixed worker pool that runs steps either in a Docker
// container or over SSH against a set of target hosts, streaming logs
// and status back over AMQP.
package runneragent

import (
	"context"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/config"
	"github.com/opsctl/fleet/internal/logging"
	"github.com/opsctl/fleet/internal/models"
)

var log = logging.WithComponent("runneragent")

// Executors selects which backend runs a given task: Docker for
// Runner-local container steps, SSH for steps directed at target
// hosts.
type Executors struct {
	Docker Executor
	SSH    Executor
}

// Agent is a single Runner process: one worker pool, one set of
// executors, one AMQP connection shared with the rest of the fleet.
type Agent struct {
	cfg       *config.RunnerEnvConfig
	broker    *broker.Client
	executors Executors
	pool      *WorkerPool

	mu           sync.Mutex
	cancelFuncs  map[string]context.CancelFunc
	currentJobs  int32
	dockerConfig models.DockerConfig

	workspaces *WorkspaceManager
	now        func() time.Time
}

// New constructs an Agent. executors.Docker and executors.SSH may be
// nil; a task routed to a nil executor fails immediately rather than
// panicking, so a Runner can be deliberately capability-restricted.
func New(cfg *config.RunnerEnvConfig, brokerClient *broker.Client, executors Executors) *Agent {
	return &Agent{
		cfg:         cfg,
		broker:      brokerClient,
		executors:   executors,
		cancelFuncs: map[string]context.CancelFunc{},
		workspaces:  NewWorkspaceManager(cfg.WorkspaceDir),
		now:         time.Now,
	}
}

// Run declares this Runner's queue, registers, starts the heartbeat
// loop and worker pool, and blocks consuming build.task deliveries
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	queue, err := a.broker.DeclareRunnerQueue(a.cfg.Name)
	if err != nil {
		return err
	}
	controlQueue, err := a.broker.DeclareRunnerControlQueue(a.cfg.Name)
	if err != nil {
		return err
	}
	configQueue, err := a.broker.DeclareRunnerConfigQueue(a.cfg.Name)
	if err != nil {
		return err
	}

	if err := a.register(ctx); err != nil {
		return err
	}

	a.pool = NewWorkerPool(a.cfg.MaxConcurrentJobs, a.runTask)
	a.pool.Start()
	defer a.pool.Stop()

	go a.heartbeatLoop(ctx)
	go func() {
		if err := broker.Consume[models.ControlMessage](ctx, a.broker, controlQueue, 1, a.handleControlMessage); err != nil {
			log.Error().Err(err).Str("queue", controlQueue).Msg("control consumer stopped")
		}
	}()
	go func() {
		if err := broker.Consume[models.HeartbeatResponse](ctx, a.broker, configQueue, 1, a.handleHeartbeatResponse); err != nil {
			log.Error().Err(err).Str("queue", configQueue).Msg("config consumer stopped")
		}
	}()

	log.Info().Str("queue", queue).Int("workers", a.cfg.MaxConcurrentJobs).Msg("runner ready")
	return broker.Consume[models.BuildTask](ctx, a.broker, queue, a.cfg.MaxConcurrentJobs, func(ctx context.Context, task models.BuildTask) error {
		// The delivery is acked as soon as it is handed to the pool: a
		// build can run far longer than it is safe to hold an AMQP
		// delivery unacked, so once a worker picks it up responsibility
		// for reporting outcome moves entirely to build.status/build.log.
		a.pool.Submit(task)
		return nil
	})
}

func (a *Agent) handleControlMessage(_ context.Context, msg models.ControlMessage) error {
	if msg.Kind != models.ControlCancel {
		return nil
	}
	if !a.Cancel(msg.TaskID) {
		log.Warn().Str("task_id", msg.TaskID).Msg("cancel directive for unknown or finished task")
	}
	return nil
}

func (a *Agent) handleHeartbeatResponse(_ context.Context, resp models.HeartbeatResponse) error {
	a.mu.Lock()
	changed := a.dockerConfig.Version != resp.Config.Version
	a.dockerConfig = resp.Config
	a.mu.Unlock()
	if changed {
		log.Info().Int("version", resp.Config.Version).Msg("applied updated docker config")
	}
	return nil
}

// currentDockerConfig returns the most recently delivered effective
// Docker configuration, or the zero value before the first heartbeat
// response arrives.
func (a *Agent) currentDockerConfig() models.DockerConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dockerConfig
}

// Cancel aborts an in-flight task if this Runner is running it. It is
// invoked from the control queue consumer started in Run, and directly
// in tests.
func (a *Agent) Cancel(taskID string) bool {
	a.mu.Lock()
	cancel, ok := a.cancelFuncs[taskID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (a *Agent) register(ctx context.Context) error {
	reg := models.RunnerRegistration{
		Name:              a.cfg.Name,
		Capabilities:      a.cfg.Capabilities,
		MaxConcurrentJobs: a.cfg.MaxConcurrentJobs,
		System:            systemInfo(),
		RegisteredAt:      a.now(),
	}
	return a.broker.Publish(ctx, broker.ExchangeRunner, broker.RKRunnerRegister, reg)
}

func systemInfo() models.SystemInfo {
	hostname, _ := os.Hostname()
	return models.SystemInfo{
		Hostname: hostname,
		IPs:      localIPs(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
}

func localIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	ips := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}
	return ips
}

func (a *Agent) addJob()    { atomic.AddInt32(&a.currentJobs, 1) }
func (a *Agent) removeJob() { atomic.AddInt32(&a.currentJobs, -1) }
func (a *Agent) jobs() int  { return int(atomic.LoadInt32(&a.currentJobs)) }
