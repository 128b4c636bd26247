//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a pending connect waits before rechecking ctx.
const pollInterval = 100 // ms

// dialRFCOMM connects a raw RFCOMM socket to mac on channel, honouring ctx.
func dialRFCOMM(ctx context.Context, mac string, channel uint8) (io.ReadWriteCloser, error) {
	addr, err := bdaddr(mac)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("connmgr: rfcomm socket: %w", err)
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	if errors.Is(err, unix.EINPROGRESS) {
		err = waitConnected(ctx, fd)
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: rfcomm connect %s channel %d: %w", mac, channel, err)
	}
	return newFDConn(fd, "rfcomm:"+mac)
}

// waitConnected polls fd until the nonblocking connect finishes or ctx is done.
func waitConnected(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, pollInterval)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}
