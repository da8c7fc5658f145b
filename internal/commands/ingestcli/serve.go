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
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/configset"
	"github.com/soliplex/ingesterd/internal/ingest/docops"
	"github.com/soliplex/ingesterd/internal/ingest/httpapi"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/runbuilder"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
	"github.com/soliplex/ingesterd/internal/ingest/storageop"
	ilog "github.com/soliplex/ingesterd/internal/log"
)

// newServeCommand builds `ingesterd serve`, grounded on the original's
// uvicorn-backed ASGI server (§6). Go ships one process per invocation, so
// --workers and --reload (uvicorn's multi-process / live-reload knobs) are
// accepted for command-line compatibility but only warned about: this
// server always runs single-process with no source-reload.
func newServeCommand() *cobra.Command {
	var (
		host              string
		port              int
		workers           int
		reload            bool
		accessLog         bool
		proxyHeaders      bool
		forwardedAllowIPs string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.LoadSettingsFromEnv()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
			}
			logger := ilog.New(ilog.FromEnv())

			if reload {
				logger.Warn("--reload has no effect: this server does not support live source reload")
			}
			if workers > 1 {
				logger.Warn("--workers has no effect: this server always runs single-process", slog.Int("requested", workers))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "opening backend failed", Cause: err}
			}
			defer b.Close()

			reg := registry.New(cfg.WorkflowDir, cfg.ParamDir, logger)
			resolver := configset.NewResolver(b)
			builder := runbuilder.New(b, b, b, b, reg, resolver, cfg)

			var s3Client storageop.S3Client
			if cfg.FileStoreTarget == settings.FileStoreS3 {
				s3Client, err = storageop.NewS3ClientFromSettings(ctx, cfg.ArtifactS3)
				if err != nil {
					return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "building S3 client failed", Cause: err}
				}
			}
			docsSvc := docops.New(b, cfg, b, s3Client, logger)

			var auth *httpapi.Authenticator
			if secret := authSecretFromEnv(); secret != "" {
				auth = &httpapi.Authenticator{Secret: secret}
				if proxyHeaders {
					auth.TrustedProxyHeader = "X-Forwarded-User"
				}
			}

			srv := httpapi.NewServer(httpapi.Config{
				Store:    b,
				Docs:     docsSvc,
				Runs:     builder,
				Registry: reg,
				Settings: cfg,
				Auth:     auth,
				Logger:   logger,
			})

			handler := srv.Handler()
			if accessLog {
				handler = accessLogMiddleware(logger, handler)
			}
			if proxyHeaders {
				handler = trustForwardedFor(splitCSV(forwardedAllowIPs), handler)
			}

			addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
			httpSrv := &http.Server{
				Addr:         addr,
				Handler:      handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0,
				IdleTimeout:  60 * time.Second,
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "listen failed", Cause: err}
			}

			errCh := make(chan error, 1)
			go func() {
				if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("serving on %s", addr)))

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				httpSrv.SetKeepAlivesEnabled(false)
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil {
					return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "server failed", Cause: err}
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "bind address")
	cmd.Flags().IntVar(&port, "port", 8000, "bind port")
	cmd.Flags().IntVar(&workers, "workers", 1, "worker process count (unsupported, compatibility only)")
	cmd.Flags().BoolVar(&reload, "reload", false, "reload on source change (unsupported, compatibility only)")
	cmd.Flags().BoolVar(&accessLog, "access-log", true, "log every request")
	cmd.Flags().BoolVar(&proxyHeaders, "proxy-headers", false, "trust X-Forwarded-* headers from a reverse proxy")
	cmd.Flags().StringVar(&forwardedAllowIPs, "forwarded-allow-ips", "127.0.0.1", "comma-separated list of proxy IPs to trust when --proxy-headers is set")
	return cmd
}

// accessLogMiddleware logs method, path, status, and latency for every
// request.
func accessLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// trustForwardedFor rewrites r.RemoteAddr from X-Forwarded-For when the
// direct peer is in allowedIPs, mirroring uvicorn's --forwarded-allow-ips.
func trustForwardedFor(allowedIPs []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[strings.TrimSpace(ip)] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil && (allowed["*"] || allowed[peer]) {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				r.RemoteAddr = strings.TrimSpace(strings.Split(fwd, ",")[0])
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authSecretFromEnv reads the HMAC signing key bearer tokens are verified
// against. Empty disables bearer auth entirely (§6's auth is optional).
func authSecretFromEnv() string {
	return os.Getenv("INGEST_AUTH_SECRET")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
