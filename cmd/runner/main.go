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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/config"
	"github.com/opsctl/fleet/internal/logging"
	"github.com/opsctl/fleet/internal/runneragent"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runner",
		Short:   "ops Runner agent: executes dispatched build tasks over Docker and SSH",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	cmd.AddCommand(startCmd())
	return cmd
}

func startCmd() *cobra.Command {
	var logLevel string
	var logJSON bool
	var disableSSH bool
	var disableDocker bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "register with the control plane and start executing build.task deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
			return start(cmd.Context(), disableDocker, disableSSH)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	cmd.Flags().BoolVar(&disableDocker, "no-docker", false, "disable the Docker execution backend")
	cmd.Flags().BoolVar(&disableSSH, "no-ssh", false, "disable the SSH execution backend")
	return cmd
}

func start(ctx context.Context, disableDocker, disableSSH bool) error {
	log := logging.WithComponent("runner")

	cfg, err := config.LoadRunnerConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("loading runner configuration: %w", err)
	}

	brokerClient, err := broker.Dial(broker.Config{URL: cfg.AMQPURL})
	if err != nil {
		return fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	defer brokerClient.Close()

	var executors runneragent.Executors
	if !disableDocker {
		dockerExec, err := runneragent.NewDockerExecutor()
		if err != nil {
			log.Warn().Err(err).Msg("docker backend unavailable, continuing without it")
		} else {
			executors.Docker = dockerExec
		}
	}
	if !disableSSH {
		executors.SSH = runneragent.NewSSHExecutor()
	}

	agent := runneragent.New(cfg, brokerClient, executors)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("name", cfg.Name).Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).Msg("starting runner")
	return agent.Run(ctx)
}
