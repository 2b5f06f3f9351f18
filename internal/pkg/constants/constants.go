// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package constants defines default paths and timings shared by poweroffd components.
package constants

import (
	"io/fs"
	"time"
)

const (
	// DefaultMonitorPath is the directory watched for blocker descriptors.
	DefaultMonitorPath = "/run/poweroffd"

	// MonitorPathMode is the permission set of the monitor directory: group writable with the sticky bit,
	// so members of the group can only remove their own descriptors.
	MonitorPathMode fs.FileMode = 0o770 | fs.ModeSticky

	// DefaultGroup is the group allowed to register blockers.
	DefaultGroup = "poweroffd"

	// DefaultLogFile is the daemon log file.
	DefaultLogFile = "/var/log/poweroffd"

	// DefaultLockFile guards against a second daemon instance.
	DefaultLockFile = "/run/poweroffd.lock"

	// DefaultEnvFile is the optional environment file read on startup.
	DefaultEnvFile = "/etc/default/poweroffd"

	// DefaultPoweroffCommand is the shutdown trigger used when none is configured.
	DefaultPoweroffCommand = "/usr/sbin/poweroff"

	// DefaultLogLevel is used when LOGLEVEL is unset or unknown.
	DefaultLogLevel = "INFO"

	// DescriptorSuffix is the file name suffix of blocker descriptors.
	DescriptorSuffix = ".conf"
)

const (
	// DefaultTickInterval bounds the wait for filesystem events in one control loop iteration.
	DefaultTickInterval = time.Second

	// ConfirmInterval is the spacing of confirmation probe attempts.
	ConfirmInterval = 300 * time.Millisecond

	// ConfirmWindow is the total duration of a confirmation probe.
	ConfirmWindow = 5 * time.Second

	// MaxConcurrentConfirms bounds the number of confirmation probes in flight.
	MaxConcurrentConfirms = 32

	// SyncTimeout bounds the wait for sync(2) before a reboot(2) power off.
	SyncTimeout = 30 * time.Second
)

// Environment variable names.
const (
	EnvLogLevel        = "LOGLEVEL"
	EnvPoweroffCommand = "POWEROFF_COMMAND"
	EnvMonitorPath     = "POWEROFFD_MONITOR_PATH"
	EnvLogFile         = "POWEROFFD_LOG_FILE"
	EnvGroup           = "POWEROFFD_GROUP"
	EnvLockFile        = "POWEROFFD_LOCK_FILE"
)
