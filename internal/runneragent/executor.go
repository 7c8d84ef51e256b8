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
	"errors"

	"github.com/opsctl/fleet/internal/models"
)

// ErrNoExecutor is returned when a task requires a backend the Runner
// was not built with (e.g. SSH steps on a Docker-only Runner).
var ErrNoExecutor = errors.New("runneragent: no executor configured for this step")

// LogFunc receives a chunk of a running step's output as it is
// produced, for forwarding over build.log.
type LogFunc func(stream string, data []byte)

// Executor runs one BuildStep to completion, either in a container
// (target nil) or over SSH against target, and reports its exit code.
// A non-nil error always comes with a zero exit code and means the
// step did not run to completion: it could not start, or its context
// ended while it ran. Callers distinguish "ran and failed" (err nil,
// code != 0) from "did not complete" (err != nil).
type Executor interface {
	Run(ctx context.Context, step models.BuildStep, target *models.HostTarget, workspace string, cfg models.DockerConfig, onLog LogFunc) (exitCode int, err error)
}
