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

// newValidateSettingsCommand builds `ingesterd validate-settings [--dump]`:
// it loads Settings from the environment and reports every violation
// Validate collects, rather than stopping at the first (§6).
func newValidateSettingsCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "validate-settings",
		Short: "Validate the process environment's ingestion settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.LoadSettingsFromEnv()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderError(err.Error()))
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("settings are valid"))
			if dump {
				out, err := cfg.DumpJSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "print the resolved settings as JSON (secrets redacted)")
	return cmd
}
