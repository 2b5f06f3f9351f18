// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the poweroffd commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/siderolabs/poweroffd/internal/app/poweroffd"
	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "poweroffd",
	Short: "Power off the host once nothing blocks it anymore",
	Long: `poweroffd watches a directory of blocker descriptors and powers the host off
when the last blocker is released. Blockers are released after a timeout, when a host
stops answering pings or when a process exits.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute runs the command selected by the arguments.
//
// SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())

		errorString := err.Error()
		if strings.Contains(errorString, "arg(s)") || strings.Contains(errorString, "flag") || strings.Contains(errorString, "command") {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, cmd.UsageString())
		}
	}

	return err
}

// addMonitorPathFlag registers --monitor-path on a client command.
func addMonitorPathFlag(cmd *cobra.Command, target *string) {
	defaultPath := constants.DefaultMonitorPath

	if path, ok := os.LookupEnv(constants.EnvMonitorPath); ok && path != "" {
		defaultPath = path
	}

	cmd.Flags().StringVar(target, poweroffd.FlagMonitorPath, defaultPath, "directory watched by the daemon (env "+constants.EnvMonitorPath+")")
}

// descriptorPath validates a blocker name and returns its descriptor path.
//
// The descriptor suffix is optional in the name.
func descriptorPath(monitorPath, name string) (string, error) {
	name = strings.TrimSuffix(name, constants.DescriptorSuffix)

	switch {
	case name == "":
		return "", errors.New("blocker name is empty")
	case strings.ContainsRune(name, filepath.Separator):
		return "", fmt.Errorf("blocker name %q contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("blocker name %q starts with a dot", name)
	}

	return filepath.Join(monitorPath, name+constants.DescriptorSuffix), nil
}
