// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
	"github.com/siderolabs/poweroffd/internal/pkg/proccheck"
)

var listCmdFlags struct {
	monitorPath string
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the blockers",
	Long: `List the descriptors in the monitor directory the way the daemon would read them now.

Process conditions are checked against the processes running now.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		processes, err := proccheck.New()
		if err != nil {
			return err
		}

		parser := &blocker.Parser{
			Resolver:      blocker.SystemResolver{},
			Fingerprinter: processes,
		}

		return listBlockers(cmd.Context(), cmd.OutOrStdout(), parser, listCmdFlags.monitorPath)
	},
}

func listBlockers(ctx context.Context, w io.Writer, parser *blocker.Parser, monitorPath string) error {
	entries, err := os.ReadDir(monitorPath)
	if err != nil {
		return fmt.Errorf("error listing blockers: %w", err)
	}

	s := []string{"NAME | STATE | CONDITIONS | EXPIRES"}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !blocker.IsDescriptor(entry.Name()) {
			continue
		}

		path := filepath.Join(monitorPath, entry.Name())

		result, err := parser.ParseFile(ctx, path)
		if err != nil {
			s = append(s, row(entry.Name(), "error", err.Error(), "-"))

			continue
		}

		switch result.Outcome {
		case blocker.Accepted:
			expires := "-"

			if deadline, ok := result.Blocker.Deadline(); ok {
				expires = humanize.Time(deadline)
			}

			s = append(s, row(entry.Name(), result.Outcome.String(), result.Blocker.String(), expires))
		case blocker.Rejected, blocker.Ignored:
			s = append(s, row(entry.Name(), result.Outcome.String(), result.Err.Error(), "-"))
		}
	}

	fmt.Fprintln(w, columnize.SimpleFormat(s))

	return nil
}

func row(fields ...string) string {
	for i := range fields {
		fields[i] = strings.ReplaceAll(fields[i], "|", "/")
	}

	return strings.Join(fields, " | ")
}

func init() {
	addMonitorPathFlag(listCmd, &listCmdFlags.monitorPath)

	rootCmd.AddCommand(listCmd)
}
