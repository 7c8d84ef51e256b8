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
	"time"

	"github.com/spf13/cobra"

	"github.com/opsctl/fleet/internal/approval"
	"github.com/opsctl/fleet/internal/audit"
	"github.com/opsctl/fleet/internal/auth"
	"github.com/opsctl/fleet/internal/authz"
	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/concurrency"
	"github.com/opsctl/fleet/internal/config"
	"github.com/opsctl/fleet/internal/dispatch"
	"github.com/opsctl/fleet/internal/dockerconfig"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/httpapi"
	"github.com/opsctl/fleet/internal/jobs"
	"github.com/opsctl/fleet/internal/models"
	"github.com/opsctl/fleet/internal/logging"
	"github.com/opsctl/fleet/internal/ratelimit"
	"github.com/opsctl/fleet/internal/repository"
	"github.com/opsctl/fleet/internal/scheduler"
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
		Use:     "controlplane",
		Short:   "ops control plane: HTTP edge, scheduling and dispatch for the Runner fleet",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var logLevel string
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the control plane HTTP server and approval timeout sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
			return serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	return cmd
}

func serve(ctx context.Context) error {
	log := logging.WithComponent("controlplane")

	cfg, err := config.LoadControlPlaneConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	repo, err := repository.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer repo.Close()

	brokerClient, err := broker.Dial(broker.Config{
		URL:            cfg.RabbitMQ.AMQPURL,
		QueuePrefix:    cfg.RabbitMQ.QueuePrefix,
		PoolSize:       cfg.RabbitMQ.PoolSize,
		PublishTimeout: cfg.RabbitMQ.PublishTimeout,
		RetryBudget:    cfg.RabbitMQ.RetryBudget,
	})
	if err != nil {
		return fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	defer brokerClient.Close()

	bus := eventbus.New(256)
	issuer := auth.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.AccessTokenTTL, cfg.Security.RefreshTokenTTL)
	sessions := auth.NewSessions(issuer, repo, cfg.Security.RefreshTokenTTL)
	authzEngine := authz.New(repo)
	auditSink := audit.NewSink(repo, 256)
	approvals := approval.New(repo, bus)
	sched := scheduler.New(repo)
	cc := concurrency.New(concurrency.Config{
		GlobalLimit:      cfg.Concurrency.GlobalLimit,
		GroupLimit:       cfg.Concurrency.GroupLimit,
		EnvironmentLimit: cfg.Concurrency.EnvironmentLimit,
		ProductionLimit:  cfg.Concurrency.ProductionLimit,
		AcquireTimeout:   time.Duration(cfg.Concurrency.AcquireTimeoutSecs) * time.Second,
		Strategy:         concurrency.Strategy(cfg.Concurrency.Strategy),
		QueueMaxLength:   cfg.Concurrency.QueueMaxLength,
	})
	jobsSvc := jobs.New(repo, cc, approvals, sched, brokerClient, auditSink, bus)

	dockerDefaults := models.DockerConfig{
		Enabled:            true,
		DefaultImage:       cfg.Docker.DefaultImage,
		MemoryLimitMB:      cfg.Docker.MemoryLimitMB,
		CPULimit:           cfg.Docker.CPULimit,
		PidsLimit:          cfg.Docker.PidsLimit,
		DefaultTimeoutSecs: cfg.Docker.DefaultTimeoutSecs,
	}
	dockerStore := dockerconfig.New(dockerDefaults)
	dispatcher := dispatch.New(repo, brokerClient, bus, dockerStore, jobsSvc)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go approvals.RunTimeoutSweep(runCtx, 30*time.Second)
	go jobsSvc.Run(runCtx)
	go func() {
		if err := dispatcher.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("fleet dispatch consumer stopped")
		}
	}()

	deps := httpapi.Deps{
		Repo:           repo,
		Tokens:         issuer,
		Sessions:       sessions,
		Authz:          authzEngine,
		Audit:          auditSink,
		Jobs:           jobsSvc,
		Approvals:      approvals,
		Bus:            bus,
		GeneralLimiter: ratelimit.New(ratelimit.DefaultGeneral()),
		LoginLimiter:   ratelimit.New(ratelimit.DefaultLogin()),
		TrustProxy:     cfg.Security.TrustProxyHeaders,
	}

	server := httpapi.NewServer(cfg.Server.Addr, httpapi.NewRouter(deps))
	log.Info().Str("addr", cfg.Server.Addr).Msg("starting control plane")
	return server.Run(cfg.Server.GracefulShutdownTimeout)
}
