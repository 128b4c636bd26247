package connmgr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ReaderState is the state of a session's reader goroutine.
type ReaderState int32

const (
	ReaderIdle ReaderState = iota
	ReaderRunning
	ReaderTerminated
)

func (s ReaderState) String() string {
	switch s {
	case ReaderIdle:
		return "idle"
	case ReaderRunning:
		return "running"
	case ReaderTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ReaderState(%d)", int32(s))
	}
}

// session is one live SPP connection. The registry owns it; the reader only stops it.
type session struct {
	id   string
	dev  Device
	conn io.ReadWriteCloser

	wmu sync.Mutex // guards bw and serializes writers
	bw  *bufio.Writer

	state     atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once

	done chan struct{} // closed when the reader has emitted its last event
}

func newSession(id string, dev Device, conn io.ReadWriteCloser) *session {
	return &session{
		id:   id,
		dev:  dev,
		conn: conn,
		bw:   bufio.NewWriter(conn),
		done: make(chan struct{}),
	}
}

func (s *session) readerState() ReaderState { return ReaderState(s.state.Load()) }

// write sends p and flushes it so nothing lingers in the buffer.
func (s *session) write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", ErrUnknownIdentifier, s.id)
	}
	if _, err := s.bw.Write(p); err != nil {
		return s.writeErr("write", err)
	}
	if err := s.bw.Flush(); err != nil {
		return s.writeErr("flush", err)
	}
	return nil
}

// writeErr classifies a failed write. A socket closed by a concurrent teardown means the
// session is gone, not an I/O failure.
func (s *session) writeErr(op string, err error) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %s: %s on closed session: %w", ErrUnknownIdentifier, s.id, op, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, s.id, err)
}

// close shuts the socket, which unblocks a pending Read. Only the first call closes.
func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// run is the reader loop. It emits connected, data in receipt order and exactly one
// disconnected, then releases the session. When s replaced prev, prev's stream ends first.
func (s *session) run(m *mgr, prev *session, readBuf int) {
	defer close(s.done)
	if prev != nil {
		<-prev.done
	}

	log := m.log.WithFields(logrus.Fields{"identifier": s.id, "address": s.dev.MAC})
	s.state.Store(int32(ReaderRunning))
	m.events.push(Event{Kind: EventConnected, Identifier: s.id, Address: s.dev.MAC})

	buf := make([]byte, readBuf)
	var rerr error
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.events.push(Event{Kind: EventData, Identifier: s.id, Data: data})
		}
		if err != nil {
			rerr = err
			break
		}
	}

	switch {
	case s.closed.Load():
		log.Debug("reader stopped")
	case errors.Is(rerr, io.EOF):
		log.Info("remote closed connection")
	default:
		log.WithError(rerr).Warn("read failed")
	}
	m.release(s)
	s.state.Store(int32(ReaderTerminated))
	m.events.push(Event{Kind: EventDisconnected, Identifier: s.id})
	m.drained(s)
}
