//go:build !linux

package connmgr

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewBlueZ returns a backend that reports ErrNoAdapter: BlueZ is only available on Linux.
func NewBlueZ(opts BlueZOptions, logger logrus.FieldLogger) Backend {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) Preflight(context.Context) error {
	return fmt.Errorf("%w: BlueZ requires linux", ErrNoAdapter)
}

func (unsupported) BondedDevices(context.Context) ([]Device, error) {
	return nil, fmt.Errorf("%w: BlueZ requires linux", ErrNoAdapter)
}

func (unsupported) Dial(context.Context, Device) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("%w: BlueZ requires linux", ErrNoAdapter)
}

func (unsupported) Close() error { return nil }
