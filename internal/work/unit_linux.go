//go:build linux

package work

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
)

func dialSystemBus(ctx context.Context) (UnitConn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
