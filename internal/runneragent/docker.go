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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/opsctl/fleet/internal/models"
)

// DockerExecutor runs a BuildStep inside a short-lived container: pull
// the step's image, create, start, wait, stream logs, remove. One
// client is reused across every step this Runner executes.
type DockerExecutor struct {
	cli *client.Client
}

// NewDockerExecutor opens a Docker client from the ambient environment
// (DOCKER_HOST and friends), negotiating the API version with the
// daemon rather than pinning one.
func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("opening docker client: %w", err)
	}
	return &DockerExecutor{cli: cli}, nil
}

// Run implements Executor. target is ignored: a DockerExecutor only
// ever runs against the Runner's own daemon.
func (d *DockerExecutor) Run(ctx context.Context, step models.BuildStep, _ *models.HostTarget, workspace string, cfg models.DockerConfig, onLog LogFunc) (int, error) {
	image := step.Image
	if image == "" {
		image = cfg.ImageFor(string(step.Kind))
	}

	if _, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{}); err != nil {
		return 0, fmt.Errorf("pulling image %s: %w", image, err)
	}

	env := make([]string, 0, len(step.Env))
	for k, v := range step.Env {
		env = append(env, k+"="+v)
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        []string{"/bin/sh", "-c", step.Command},
		Env:        env,
		WorkingDir: step.WorkingDir,
	}, &container.HostConfig{
		Binds: []string{workspace + ":/workspace"},
		Resources: container.Resources{
			Memory:   cfg.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(cfg.CPULimit * 1e9),
			PidsLimit: func() *int64 {
				if cfg.PidsLimit <= 0 {
					return nil
				}
				v := cfg.PidsLimit
				return &v
			}(),
		},
	}, nil, nil, "")
	if err != nil {
		return 0, fmt.Errorf("creating container: %w", err)
	}
	defer d.cli.ContainerRemove(context.Background(), created.ID, types.ContainerRemoveOptions{Force: true})

	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return 0, fmt.Errorf("starting container: %w", err)
	}

	out, err := d.cli.ContainerLogs(ctx, created.ID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return 0, fmt.Errorf("attaching container logs: %w", err)
	}
	defer out.Close()

	stdoutW := &lineWriter{onLog: onLog, stream: "stdout"}
	stderrW := &lineWriter{onLog: onLog, stream: "stderr"}
	go stdcopy.StdCopy(stdoutW, stderrW, out)

	statusCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return 0, fmt.Errorf("waiting for container: %w", err)
		}
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return 0, nil
}

// lineWriter adapts stdcopy.StdCopy's io.Writer sink to LogFunc,
// emitting one callback per line so BuildLog chunks stay readable.
type lineWriter struct {
	onLog  LogFunc
	stream string
	buf    strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(p)))
	for scanner.Scan() {
		w.onLog(w.stream, []byte(scanner.Text()+"\n"))
	}
	return len(p), nil
}

var _ io.Writer = (*lineWriter)(nil)
