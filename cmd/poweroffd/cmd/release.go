// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

var releaseCmdFlags struct {
	monitorPath string
}

var releaseCmd = &cobra.Command{
	Use:   "release NAME",
	Short: "Release a blocker",
	Long:  `Remove the descriptor of a blocker. Releasing a blocker which doesn't exist is not an error.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := descriptorPath(releaseCmdFlags.monitorPath, args[0])
		if err != nil {
			return err
		}

		if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error releasing blocker: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "blocker released: %s\n", path)

		return nil
	},
}

func init() {
	addMonitorPathFlag(releaseCmd, &releaseCmdFlags.monitorPath)

	rootCmd.AddCommand(releaseCmd)
}
