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
	"sync"
	"time"

	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/models"
)

// runTask is the WorkerPool's run function: it executes every step of
// task, once per target host when TargetHosts is set or once locally
// otherwise, reporting BuildStatus/BuildLog for each as it goes.
func (a *Agent) runTask(task models.BuildTask) {
	a.addJob()
	defer a.removeJob()

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelFuncs[task.TaskID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancelFuncs, task.TaskID)
		a.mu.Unlock()
		cancel()
	}()

	workspace, err := a.workspaces.Prepare(task.TaskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("preparing workspace")
		a.publishStatus(ctx, task, "", models.ExecFailed, nil, err.Error())
		return
	}
	defer a.workspaces.Cleanup(task.TaskID)

	if len(task.TargetHosts) == 0 {
		a.runOnHost(ctx, task, nil, workspace)
		return
	}

	var wg sync.WaitGroup
	for i := range task.TargetHosts {
		target := task.TargetHosts[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runOnHost(ctx, task, &target, workspace)
		}()
	}
	wg.Wait()
}

func (a *Agent) runOnHost(ctx context.Context, task models.BuildTask, target *models.HostTarget, workspace string) {
	hostID := ""
	if target != nil {
		hostID = target.HostID
	}

	executor := a.executors.Docker
	if target != nil {
		executor = a.executors.SSH
	}
	if executor == nil {
		a.publishStatus(ctx, task, hostID, models.ExecFailed, nil, ErrNoExecutor.Error())
		return
	}

	a.publishStatus(ctx, task, hostID, models.ExecRunning, nil, "")

	dockerCfg := a.currentDockerConfig()
	offsets := map[string]int64{"stdout": 0, "stderr": 0}
	var offsetsMu sync.Mutex
	onLog := func(stream string, data []byte) {
		offsetsMu.Lock()
		offset := offsets[stream]
		offsets[stream] += int64(len(data))
		offsetsMu.Unlock()
		a.publishLog(ctx, task.TaskID, task.JobID, hostID, "", stream, offset, string(data), false)
	}

	for _, step := range task.Steps {
		stepCtx := ctx
		var stepCancel context.CancelFunc
		if step.TimeoutSecs > 0 {
			stepCtx, stepCancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSecs)*time.Second)
		}
		code, err := executor.Run(stepCtx, step, target, workspace, dockerCfg, onLog)
		if stepCancel != nil {
			stepCancel()
		}

		status := models.ExecSucceeded
		message := ""
		switch {
		case err != nil && stepCtx.Err() == context.DeadlineExceeded:
			status, message = models.ExecTimeout, "step timed out"
		case err != nil && ctx.Err() == context.Canceled:
			status, message = models.ExecCancelled, "task cancelled"
		case err != nil:
			status, message = models.ExecFailed, err.Error()
		case code != 0:
			status, message = models.ExecFailed, ""
		}

		exitCode := code
		a.publishStatus(ctx, task, hostID, status, &exitCode, message)

		if status != models.ExecSucceeded && !step.ContinueOnFailure {
			return
		}
	}
}

func (a *Agent) publishStatus(ctx context.Context, task models.BuildTask, hostID string, status models.TaskExecStatus, exitCode *int, message string) {
	msg := models.BuildStatus{
		TaskID:    task.TaskID,
		JobID:     task.JobID,
		RunnerID:  a.cfg.Name,
		HostID:    hostID,
		Status:    status,
		ExitCode:  exitCode,
		Message:   message,
		Timestamp: a.now(),
	}
	if err := a.broker.Publish(ctx, broker.ExchangeBuild, broker.RKBuildStatus, msg); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("publishing build status")
	}
}

func (a *Agent) publishLog(ctx context.Context, taskID, jobID, hostID, stepID, stream string, offset int64, data string, isFinal bool) {
	msg := models.BuildLog{
		TaskID:  taskID,
		JobID:   jobID,
		HostID:  hostID,
		StepID:  stepID,
		Stream:  stream,
		Offset:  offset,
		Data:    data,
		IsFinal: isFinal,
	}
	if err := a.broker.Publish(ctx, broker.ExchangeBuild, broker.RKBuildLog, msg); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("publishing build log")
	}
}
