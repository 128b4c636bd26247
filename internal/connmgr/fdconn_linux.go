//go:build linux

package connmgr

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// newFDConn takes ownership of a connected socket fd. The fd is switched to nonblocking
// mode so the runtime poller manages it; Close then unblocks pending Read and Write calls.
func newFDConn(fd int, name string) (io.ReadWriteCloser, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock on %s: %w", name, err)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("connmgr: invalid fd %d for %s", fd, name)
	}
	return f, nil
}
