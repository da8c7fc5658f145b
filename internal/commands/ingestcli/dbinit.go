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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

// newDBInitCommand builds `ingesterd db-init`: opening a backend for
// DOC_DB_URL already runs its migrate() step, so this command's entire job
// is to open (and immediately close) one, surfacing any schema error.
func newDBInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "db-init",
		Short: "Create (or migrate) the configured database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.LoadSettingsFromEnv()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
			}
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "db-init failed", Cause: err}
			}
			defer b.Close()
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("schema is up to date"))
			return nil
		},
	}
}
