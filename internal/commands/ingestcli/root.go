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
	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/commands/version"
)

// SetVersion sets the version metadata reported by `ingesterd version`.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand builds the `ingesterd` command tree: every subcommand in
// §6 hangs off this root.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingesterd",
		Short: "ingesterd - document ingestion workflow engine",
		Long: `ingesterd runs a durable, database-backed document-ingestion
workflow engine: documents are bound to batches, driven through
multi-step workflows by a worker pool, and exposed over an HTTP API.

Configuration is read entirely from the environment (DOC_DB_URL,
FILE_STORE_TARGET, WORKFLOW_DIR, ...); run 'ingesterd validate-settings'
to check it before starting 'ingesterd worker' or 'ingesterd serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newValidateSettingsCommand())
	cmd.AddCommand(newDBInitCommand())
	cmd.AddCommand(newInitEnvCommand())
	cmd.AddCommand(newInitHaikuCommand())
	cmd.AddCommand(newInitConfigCommand())
	cmd.AddCommand(newBootstrapCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newDumpWorkflowCommand())
	cmd.AddCommand(newDumpParamSetCommand())
	cmd.AddCommand(newListWorkflowsCommand())
	cmd.AddCommand(newListParamSetsCommand())
	cmd.AddCommand(newListBatchesCommand())
	cmd.AddCommand(newCheckDBCommand())
	cmd.AddCommand(version.NewVersionCommand())

	return cmd
}

// HandleExitError maps err to a process exit, matching §6's "1 on
// configuration error, conventional non-zero on uncaught errors".
func HandleExitError(err error) {
	shared.HandleExitError(err)
}

// version returns the currently set build version, for tagging metrics
// resources emitted by long-running subcommands.
func version() string {
	v, _, _ := shared.GetVersion()
	return v
}
