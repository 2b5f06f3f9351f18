// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/poweroffd/internal/app/poweroffd"
)

var runCmdFlags = poweroffd.DefaultConfig()

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run the daemon in the foreground.

Settings not given as flags are taken from the environment, then from the env file.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := runCmdFlags.ApplyEnvironment(cmd.Flags(), os.LookupEnv); err != nil {
			return err
		}

		return runCmdFlags.Validate()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, closer, err := poweroffd.NewLogger(runCmdFlags, os.Stderr)
		if err != nil {
			return err
		}

		//nolint:errcheck
		defer closer()

		if err = poweroffd.Main(cmd.Context(), runCmdFlags, logger); err != nil {
			logger.Error("poweroffd failed", zap.Error(err))

			return err
		}

		logger.Info("poweroffd stopped")

		return nil
	},
}

func init() {
	runCmdFlags.RegisterFlags(runCmd.Flags())

	rootCmd.AddCommand(runCmd)
}
