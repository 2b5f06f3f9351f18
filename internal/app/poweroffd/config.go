// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package poweroffd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

// Flag names.
const (
	FlagMonitorPath     = "monitor-path"
	FlagLogFile         = "log-file"
	FlagLogLevel        = "log-level"
	FlagPoweroffCommand = "poweroff-command"
	FlagGroup           = "group"
	FlagLockFile        = "lock-file"
	FlagTick            = "tick"
	FlagEnvFile         = "env-file"
)

// Config of the daemon.
type Config struct {
	MonitorPath     string
	LogFile         string
	LogLevel        string
	PoweroffCommand string
	Group           string
	LockFile        string
	EnvFile         string
	Tick            time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MonitorPath:     constants.DefaultMonitorPath,
		LogFile:         constants.DefaultLogFile,
		LogLevel:        constants.DefaultLogLevel,
		PoweroffCommand: constants.DefaultPoweroffCommand,
		Group:           constants.DefaultGroup,
		LockFile:        constants.DefaultLockFile,
		EnvFile:         constants.DefaultEnvFile,
		Tick:            constants.DefaultTickInterval,
	}
}

// RegisterFlags binds the settings to flags, with the current values as defaults.
func (c *Config) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.MonitorPath, FlagMonitorPath, c.MonitorPath, "directory watched for blocker descriptors (env "+constants.EnvMonitorPath+")")
	flags.StringVar(&c.LogFile, FlagLogFile, c.LogFile, "log file, empty to log to stderr only (env "+constants.EnvLogFile+")")
	flags.StringVar(&c.LogLevel, FlagLogLevel, c.LogLevel, "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL (env "+constants.EnvLogLevel+")")
	flags.StringVar(&c.PoweroffCommand, FlagPoweroffCommand, c.PoweroffCommand,
		"shutdown trigger: logind, syscall, none or a shell command line (env "+constants.EnvPoweroffCommand+")")
	flags.StringVar(&c.Group, FlagGroup, c.Group, "group owning the monitor directory (env "+constants.EnvGroup+")")
	flags.StringVar(&c.LockFile, FlagLockFile, c.LockFile, "single instance lock file (env "+constants.EnvLockFile+")")
	flags.StringVar(&c.EnvFile, FlagEnvFile, c.EnvFile, "optional environment file with the settings above")
	flags.DurationVar(&c.Tick, FlagTick, c.Tick, "longest wait between two evaluations of the blockers")
}

// envBinding maps an environment variable to a setting which has no flag set explicitly.
type envBinding struct {
	flag  string
	env   string
	value *string
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{flag: FlagMonitorPath, env: constants.EnvMonitorPath, value: &c.MonitorPath},
		{flag: FlagLogFile, env: constants.EnvLogFile, value: &c.LogFile},
		{flag: FlagLogLevel, env: constants.EnvLogLevel, value: &c.LogLevel},
		{flag: FlagPoweroffCommand, env: constants.EnvPoweroffCommand, value: &c.PoweroffCommand},
		{flag: FlagGroup, env: constants.EnvGroup, value: &c.Group},
		{flag: FlagLockFile, env: constants.EnvLockFile, value: &c.LockFile},
	}
}

// ApplyEnvironment fills the settings not given as flags from the environment and then from the env file.
//
// A missing env file is not an error.
func (c *Config) ApplyEnvironment(flags *pflag.FlagSet, lookupEnv func(string) (string, bool)) error {
	fileEnv, err := readEnvFile(c.EnvFile)
	if err != nil {
		return err
	}

	for _, binding := range c.envBindings() {
		if flags != nil && flags.Changed(binding.flag) {
			continue
		}

		if value, ok := lookupEnv(binding.env); ok {
			*binding.value = value

			continue
		}

		if value, ok := fileEnv[binding.env]; ok {
			*binding.value = value
		}
	}

	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("error opening env file: %w", err)
	}

	//nolint:errcheck
	defer f.Close()

	env, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("error parsing env file %q: %w", path, err)
	}

	return env, nil
}

// Validate the configuration.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.MonitorPath == "" {
		errs = multierror.Append(errs, errors.New("monitor path is empty"))
	} else if !filepath.IsAbs(c.MonitorPath) {
		errs = multierror.Append(errs, fmt.Errorf("monitor path %q is not absolute", c.MonitorPath))
	}

	if c.LockFile == "" {
		errs = multierror.Append(errs, errors.New("lock file is empty"))
	}

	if c.PoweroffCommand == "" {
		errs = multierror.Append(errs, errors.New("poweroff command is empty"))
	}

	if c.Tick <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("tick must be positive, got %s", c.Tick))
	}

	return errs.ErrorOrNil()
}
