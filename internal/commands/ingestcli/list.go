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
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/soliplex/ingesterd/internal/commands/shared"
	"github.com/soliplex/ingesterd/internal/ingest/settings"
)

// renderTable lays out header/rows as lipgloss-styled, whitespace-aligned
// columns: Header for the header row, plain text for data.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = style.Render(padRight(cell, widths[i]))
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteString("\n")
	}
	writeRow(header, shared.Header)
	for _, row := range rows {
		writeRow(row, lipgloss.NewStyle())
	}
	return b.String()
}

func padRight(s string, width int) string {
	if pad := width - lipgloss.Width(s); pad > 0 {
		return s + strings.Repeat(" ", pad)
	}
	return s
}

// newListWorkflowsCommand builds `ingesterd list-workflows`, grounded on
// `_list_workflows` (which prints one id per line; this rendition adds a
// styled column for the source file).
func newListWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-workflows",
		Short: "List configured workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			defs, err := reg.ListWorkflowDefinitions()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "list-workflows failed", Cause: err}
			}
			sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
			rows := make([][]string, 0, len(defs))
			for _, wf := range defs {
				rows = append(rows, []string{wf.ID, wf.Name, fmt.Sprintf("%d", len(wf.ItemSteps))})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "STEPS"}, rows))
			return nil
		},
	}
}

// newListParamSetsCommand builds `ingesterd list-param-sets`, grounded on
// `_list_params`.
func newListParamSetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-param-sets",
		Short: "List configured parameter sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			sets, err := reg.ListParamSets()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "list-param-sets failed", Cause: err}
			}
			sort.Slice(sets, func(i, j int) bool { return sets[i].ID < sets[j].ID })
			rows := make([][]string, 0, len(sets))
			for _, ps := range sets {
				src := ps.Source
				if src == "" {
					src = "built-in"
				}
				rows = append(rows, []string{ps.ID, ps.Name, src})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "SOURCE"}, rows))
			return nil
		},
	}
}

// newListBatchesCommand builds `ingesterd list-batches`, grounded on
// `_list_batches` (which prints id/name/source per line).
func newListBatchesCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list-batches",
		Short: "List ingested document batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.LoadSettingsFromEnv()
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid settings", Cause: err}
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "opening backend failed", Cause: err}
			}
			defer b.Close()

			batches, err := b.ListBatches(ctx, "", limit, 0)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "list-batches failed", Cause: err}
			}
			rows := make([][]string, 0, len(batches))
			for _, batch := range batches {
				status := "open"
				if batch.CompletedDate != nil {
					status = "completed"
				}
				rows = append(rows, []string{fmt.Sprintf("%d", batch.ID), batch.Name, batch.Source, status})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "SOURCE", "STATUS"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of batches to list")
	return cmd
}
