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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/registry"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

func loadRegistry() (*registry.Registry, error) {
	cfg, err := settings.LoadSettingsFromEnv()
	if err != nil {
		return nil, &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
	}
	return registry.New(cfg.WorkflowDir, cfg.ParamDir, nil), nil
}

// newDumpWorkflowCommand builds `ingesterd dump-workflow <id>`, grounded on
// `_dump_workflow`'s pretty-printed JSON dump of the resolved definition.
func newDumpWorkflowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-workflow <id>",
		Short: "Print a workflow definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			wf, err := reg.GetWorkflowDefinition(args[0])
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "dump-workflow failed", Cause: err}
			}
			out, err := json.MarshalIndent(wf, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// newDumpParamSetCommand builds `ingesterd dump-param-set <id>`, grounded on
// `_dump_params`.
func newDumpParamSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-param-set [id]",
		Short: "Print a parameter set as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "default"
			if len(args) == 1 {
				id = args[0]
			}
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			ps, err := reg.GetParamSet(id)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "dump-param-set failed", Cause: err}
			}
			out, err := json.MarshalIndent(ps, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
