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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/argon2"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

const defaultWorkflowYAML = `id: default
name: Default Ingest
item_steps:
  - step_type: VALIDATE
    name: validate
    retries: 1
    method: validate
  - step_type: PARSE
    name: parse
    retries: 2
    method: parse
  - step_type: CHUNK
    name: chunk
    retries: 1
    method: chunk
  - step_type: EMBED
    name: embed
    retries: 2
    method: embed
  - step_type: STORE
    name: store
    retries: 1
    method: store
`

const defaultParamSetYAML = `id: default
name: Default Params
config:
  VALIDATE:
    max_size_mb: 50
  CHUNK:
    chunk_size: 1000
    chunk_overlap: 100
  EMBED:
    model: nomic-embed-text
`

// newInitEnvCommand builds `ingesterd init-env [path]`, grounded on
// `export_to_env`: it writes the resolved settings as KEY=VALUE lines,
// refusing to overwrite an existing file.
func newInitEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-env [path]",
		Short: "Write a .env file for the current settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ".env"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: fmt.Sprintf("%s already exists. remove or choose a different path", path)}
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := settings.Default()
			if loaded, err := settings.LoadSettingsFromEnv(); err == nil {
				cfg = loaded
			}

			secret, err := promptAuthSecret(cmd)
			if err != nil {
				return err
			}

			lines := []string{
				"DOC_DB_URL=" + cfg.DocDBURL,
				"FILE_STORE_TARGET=" + string(cfg.FileStoreTarget),
				"FILE_STORE_DIR=" + cfg.FileStoreDir,
				"LANCEDB_DIR=" + cfg.LanceDBDir,
				"WORKFLOW_DIR=" + cfg.WorkflowDir,
				"PARAM_DIR=" + cfg.ParamDir,
				fmt.Sprintf("WORKER_TASK_COUNT=%d", cfg.WorkerTaskCount),
			}
			if secret != "" {
				lines = append(lines, "INGEST_AUTH_SECRET="+secret)
			}

			var out []byte
			for _, line := range lines {
				out = append(out, []byte(line+"\n")...)
			}
			if err := os.WriteFile(path, out, 0o600); err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "writing env file failed", Cause: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("wrote %s", path)))
			return nil
		},
	}
}

// promptAuthSecret interactively derives an HMAC signing secret for bearer
// auth from an operator passphrase via argon2id, so the raw passphrase
// itself never lands in the .env file (§9.2's x/crypto-backed token
// issuance). Skipped entirely in non-interactive terminals.
func promptAuthSecret(cmd *cobra.Command) (string, error) {
	if !isInteractive() {
		return "", nil
	}
	var wantAuth bool
	if err := survey.AskOne(&survey.Confirm{
		Message: "Enable bearer-token auth for the HTTP API?",
		Default: false,
	}, &wantAuth); err != nil {
		return "", err
	}
	if !wantAuth {
		return "", nil
	}

	var passphrase string
	if err := survey.AskOne(&survey.Password{
		Message: "Passphrase to derive the signing secret from:",
	}, &passphrase, survey.WithValidator(survey.Required)); err != nil {
		return "", err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)
	return base64.RawURLEncoding.EncodeToString(key), nil
}

func isInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// newInitHaikuCommand builds `ingesterd init-haiku`, reinterpreting
// `init_haiku`'s haiku.rag.yaml scaffold: this stack has no haiku.rag
// dependency, so it instead provisions the file-backed LanceDB stand-in
// directory that handlers.ragClient/docops.ragCleaner read and write.
func newInitHaikuCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-haiku",
		Short: "Provision the local RAG storage directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := settings.Default()
			if loaded, err := settings.LoadSettingsFromEnv(); err == nil {
				cfg = loaded
			}
			if _, err := os.Stat(cfg.LanceDBDir); err == nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: fmt.Sprintf("%s already exists. remove or choose a different LANCEDB_DIR", cfg.LanceDBDir)}
			}
			if err := os.MkdirAll(cfg.LanceDBDir, 0o755); err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "creating lancedb directory failed", Cause: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("provisioned %s", cfg.LanceDBDir)))
			return nil
		},
	}
}

// newInitConfigCommand builds `ingesterd init-config`, grounded on
// `init_config`: it scaffolds config/workflows and config/params with one
// example definition each.
func newInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Scaffold default workflow and param-set config files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := settings.Default()
			if loaded, err := settings.LoadSettingsFromEnv(); err == nil {
				cfg = loaded
			}
			if err := os.MkdirAll(cfg.WorkflowDir, 0o755); err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "creating workflow dir failed", Cause: err}
			}
			if err := os.MkdirAll(cfg.ParamDir, 0o755); err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "creating param dir failed", Cause: err}
			}
			wfPath := filepath.Join(cfg.WorkflowDir, "default.yaml")
			if err := os.WriteFile(wfPath, []byte(defaultWorkflowYAML), 0o644); err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "writing default workflow failed", Cause: err}
			}
			paramPath := filepath.Join(cfg.ParamDir, "default.yaml")
			if err := os.WriteFile(paramPath, []byte(defaultParamSetYAML), 0o644); err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "writing default param set failed", Cause: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("wrote %s and %s", wfPath, paramPath)))
			return nil
		},
	}
}

// newBootstrapCommand builds `ingesterd bootstrap`, grounded on `bootstrap`:
// it runs init-haiku, init-config, and init-env in order, each individually
// toggleable and each tolerant of already having been run.
func newBootstrapCommand() *cobra.Command {
	var haiku, config, env bool

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Run init-haiku, init-config, and init-env together",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderLabel("starting bootstrap"))
			if haiku {
				if err := runIgnoringExists(newInitHaikuCommand(), cmd); err != nil {
					return err
				}
			}
			if config {
				if err := runIgnoringExists(newInitConfigCommand(), cmd); err != nil {
					return err
				}
			}
			if env {
				if err := runIgnoringExists(newInitEnvCommand(), cmd); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("bootstrap complete"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&haiku, "haiku", true, "provision the local RAG storage directory")
	cmd.Flags().BoolVar(&config, "config", true, "scaffold default workflow/param-set config")
	cmd.Flags().BoolVar(&env, "env", true, "write a .env file")
	return cmd
}

// runIgnoringExists runs step with cmd's I/O and context, treating an
// already-exists ExitError as a no-op rather than a bootstrap failure.
func runIgnoringExists(step *cobra.Command, cmd *cobra.Command) error {
	step.SetOut(cmd.OutOrStdout())
	step.SetErr(cmd.ErrOrStderr())
	step.SetContext(cmd.Context())
	step.SetArgs(nil)
	if err := step.RunE(step, nil); err != nil {
		var exitErr *shared.ExitError
		if errors.As(err, &exitErr) && strings.Contains(exitErr.Message, "already exists") {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderLabel(exitErr.Message))
			return nil
		}
		return err
	}
	return nil
}
