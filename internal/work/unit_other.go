//go:build !linux

package work

import "context"

func dialSystemBus(context.Context) (UnitConn, error) {
	return nil, ErrUnsupported
}
