// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/siderolabs/go-pointer"
	"github.com/spf13/cobra"

	"github.com/siderolabs/poweroffd/internal/pkg/blocker"
	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

var blockCmdFlags struct {
	monitorPath string
	timeout     time.Duration
	host        string
	pid         int
	wait        bool
}

var blockCmd = &cobra.Command{
	Use:   "block NAME",
	Short: "Register a blocker",
	Long: `Register a blocker which keeps the host powered on.

The blocker is released by whichever of its conditions is met first.`,
	Example: `  poweroffd block backup --timeout 2h --pid 4242
  poweroffd block build --host builder.lan --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := descriptorPath(blockCmdFlags.monitorPath, args[0])
		if err != nil {
			return err
		}

		descriptor := blocker.Descriptor{
			StartTime: time.Now().Unix(),
			PoweroffOn: blocker.PoweroffOn{
				Host: blockCmdFlags.host,
				PID:  blockCmdFlags.pid,
			},
		}

		if cmd.Flags().Changed("timeout") {
			descriptor.PoweroffOn.Timeout = pointer.To(int64(blockCmdFlags.timeout / time.Second))
		}

		contents, err := descriptor.Marshal()
		if err != nil {
			return err
		}

		if !blockCmdFlags.wait {
			if err = writeDescriptor(path, contents); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "blocker registered: %s\n", path)

			return nil
		}

		// the watch goes first, a short timeout might release the blocker before we look
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}

		//nolint:errcheck
		defer watcher.Close()

		if err = watcher.Add(blockCmdFlags.monitorPath); err != nil {
			return fmt.Errorf("error watching %q: %w", blockCmdFlags.monitorPath, err)
		}

		if err = writeDescriptor(path, contents); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "blocker registered: %s, waiting for release\n", path)

		if err = waitRemoved(cmd.Context(), watcher, path); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "blocker released: %s\n", path)

		return nil
	},
}

// writeDescriptor writes the descriptor under a name the daemon ignores and renames it into place.
func writeDescriptor(path string, contents []byte) error {
	dir := filepath.Dir(path)
	name := strings.TrimSuffix(filepath.Base(path), constants.DescriptorSuffix)

	f, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("error creating descriptor: %w", err)
	}

	tmp := f.Name()

	cleanup := func(err error) error {
		//nolint:errcheck
		f.Close()

		//nolint:errcheck
		os.Remove(tmp)

		return fmt.Errorf("error writing descriptor: %w", err)
	}

	if _, err = f.Write(contents); err != nil {
		return cleanup(err)
	}

	if err = f.Chmod(0o644); err != nil {
		return cleanup(err)
	}

	if err = f.Sync(); err != nil {
		return cleanup(err)
	}

	if err = f.Close(); err != nil {
		return cleanup(err)
	}

	if err = os.Rename(tmp, path); err != nil {
		return cleanup(err)
	}

	return nil
}

// waitRemoved blocks until path is deleted or moved away.
func waitRemoved(ctx context.Context, watcher *fsnotify.Watcher, path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}

			if event.Name == path && event.Has(fsnotify.Remove|fsnotify.Rename) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}

			return fmt.Errorf("error watching for release: %w", err)
		}
	}
}

func init() {
	addMonitorPathFlag(blockCmd, &blockCmdFlags.monitorPath)
	blockCmd.Flags().DurationVar(&blockCmdFlags.timeout, "timeout", 0, "release after this duration (whole seconds)")
	blockCmd.Flags().StringVar(&blockCmdFlags.host, "host", "", "release when the host stops answering pings")
	blockCmd.Flags().IntVar(&blockCmdFlags.pid, "pid", 0, "release when the process exits")
	blockCmd.Flags().BoolVar(&blockCmdFlags.wait, "wait", false, "wait until the blocker is released")

	rootCmd.AddCommand(blockCmd)
}
