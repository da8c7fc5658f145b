// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestcli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/handlers"
	"github.com/soliplex/ingesterd/internal/ingest/lifecycle"
	"github.com/soliplex/ingesterd/internal/ingest/model"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/scheduler"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
	"github.com/soliplex/ingesterd/internal/ingest/worker"
	ilog "github.com/soliplex/ingesterd/internal/log"
	"github.com/soliplex/ingesterd/internal/tracing"
)

// newWorkerCommand builds `ingesterd worker`: it runs the leasing/execution
// loop in the foreground until SIGINT/SIGTERM, grounded on the daemon's
// signal-handling shape (§4.5, §6).
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the step-leasing worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.LoadSettingsFromEnv()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
			}
			logger := ilog.New(ilog.FromEnv())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "opening backend failed", Cause: err}
			}
			defer b.Close()

			reg := registry.New(cfg.WorkflowDir, cfg.ParamDir, logger)

			var s3Client storageop.S3Client
			if cfg.FileStoreTarget == settings.FileStoreS3 {
				s3Client, err = storageop.NewS3ClientFromSettings(ctx, cfg.ArtifactS3)
				if err != nil {
					return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "building S3 client failed", Cause: err}
				}
			}

			invoker := handlers.New(b, b, b, b, cfg, b, s3Client, logger)

			otelProvider, err := tracing.NewOTelProvider("ingesterd-worker", version())
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "initializing metrics failed", Cause: err}
			}
			defer otelProvider.Shutdown(context.Background())

			sched := scheduler.New(b)
			lc := lifecycle.New(b, b, logger, func(ctx context.Context, h registry.StepHandler, step *model.RunStep, run *model.WorkflowRun, group *model.RunGroup) (map[string]any, error) {
				return invoker.Invoke(ctx, worker.HandlerRequest{RunStep: step, WorkflowRun: run, RunGroup: group, Handler: h})
			})

			pool := worker.New(cfg, sched, b, b, b, b, b, reg, lc, invoker, otelProvider.MetricsCollector(), logger)

			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("worker %s starting, task slots=%d", pool.ID(), cfg.WorkerTaskCount)))
			pool.Run(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderLabel("worker stopped"))
			return nil
		},
	}
}
