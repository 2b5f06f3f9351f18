// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package poweroffd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"strconv"

	"github.com/alexflint/go-filemutex"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/siderolabs/poweroffd/internal/pkg/constants"
	"github.com/siderolabs/poweroffd/pkg/logging"
)

// NewLogger builds the daemon logger writing to stderr and to the log file.
//
// The returned closer flushes the logger and closes the log file.
func NewLogger(cfg Config, stderr io.Writer) (*zap.Logger, func() error, error) {
	level, ok := logging.ParseLevel(cfg.LogLevel)

	var stderrOptions []logging.EncoderOption

	if f, isFile := stderr.(*os.File); isFile && isatty.IsTerminal(f.Fd()) {
		stderrOptions = append(stderrOptions, logging.WithColoredLevels())
	}

	dests := []*logging.LogDestination{
		logging.NewLogDestination(stderr, level, stderrOptions...),
	}

	var logFile *os.File

	if cfg.LogFile != "" {
		var err error

		logFile, err = logging.OpenLogFile(cfg.LogFile)
		if err != nil {
			return nil, nil, err
		}

		dests = append(dests, logging.NewLogDestination(logFile, level))
	}

	logger := logging.ZapLogger(dests...)

	if !ok {
		logger.Warn("unknown log level, using INFO", zap.String("level", cfg.LogLevel))
	}

	closer := func() error {
		//nolint:errcheck
		logger.Sync()

		if logFile != nil {
			return logFile.Close()
		}

		return nil
	}

	return logger, closer, nil
}

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another poweroffd instance is running")

// acquireLock takes the single instance lock without waiting.
func acquireLock(path string) (func() error, error) {
	mu, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("error opening lock file: %w", err)
	}

	if err = mu.TryLock(); err != nil {
		//nolint:errcheck
		mu.Close()

		if errors.Is(err, filemutex.AlreadyLocked) {
			return nil, fmt.Errorf("%w: lock %q is held", ErrAlreadyRunning, path)
		}

		return nil, fmt.Errorf("error locking %q: %w", path, err)
	}

	return mu.Close, nil
}

// prepareMonitorPath creates the monitor directory and hands it over to the group.
//
// Ownership is only changed when running as root and the group exists.
func prepareMonitorPath(path, group string, logger *zap.Logger) error {
	if err := os.Mkdir(path, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("error creating monitor path: %w", err)
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking monitor path: %w", err)
	}

	if !st.IsDir() {
		return fmt.Errorf("monitor path %q is not a directory", path)
	}

	if os.Geteuid() != 0 {
		logger.Warn("not running as root, leaving monitor path ownership unchanged", zap.String("path", path))

		return nil
	}

	grp, err := user.LookupGroup(group)
	if err != nil {
		logger.Warn("group not found, leaving monitor path ownership unchanged", zap.String("group", group), zap.Error(err))

		return nil
	}

	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("error parsing gid %q of group %q: %w", grp.Gid, group, err)
	}

	if err = os.Chown(path, 0, gid); err != nil {
		return fmt.Errorf("error changing owner of monitor path: %w", err)
	}

	if err = os.Chmod(path, constants.MonitorPathMode); err != nil {
		return fmt.Errorf("error changing mode of monitor path: %w", err)
	}

	logger.Debug("monitor path ready", zap.String("path", path), zap.String("group", group), zap.Stringer("mode", constants.MonitorPathMode))

	return nil
}
