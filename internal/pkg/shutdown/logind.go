// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shutdown

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	logindService   = "org.freedesktop.login1"
	logindObject    = dbus.ObjectPath("/org/freedesktop/login1")
	logindInterface = "org.freedesktop.login1.Manager"
)

// Logind asks systemd-logind to power off.
type Logind struct {
	// Address of the bus, system bus if empty.
	Address string
}

// PowerOff implements Trigger.
func (l *Logind) PowerOff(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: error connecting to D-Bus: %w", ErrTriggerFailed, err)
	}

	//nolint:errcheck
	defer conn.Close()

	// interactive = false, polkit must not prompt
	call := conn.Object(logindService, logindObject).CallWithContext(ctx, logindInterface+".PowerOff", 0, false)
	if call.Err != nil {
		return fmt.Errorf("%w: logind PowerOff: %w", ErrTriggerFailed, call.Err)
	}

	return nil
}

func (l *Logind) connect(ctx context.Context) (*dbus.Conn, error) {
	if l.Address == "" {
		return dbus.ConnectSystemBus(dbus.WithContext(ctx))
	}

	return dbus.Connect(l.Address, dbus.WithContext(ctx))
}

func (l *Logind) String() string {
	return DesignatorLogind
}
