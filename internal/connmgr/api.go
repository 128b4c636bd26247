// Package connmgr owns the lifecycle of Bluetooth Classic SPP sessions: it resolves
// pre-bonded devices, opens RFCOMM connections with bounded retries, runs one reader per
// session and relays received bytes and lifecycle changes on a single event stream.
//
// Thread-safety: all Mgr methods are safe for concurrent use. The session registry is the
// only shared state and is guarded by one mutex; socket I/O never happens under it.
package connmgr

import (
	"context"
	"io"
	"time"
)

//go:generate mockgen -destination=mock_backend_test.go -package=connmgr bluetooth-spp/internal/connmgr Backend

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is used by the socket transport when no channel is configured.
	DefaultRFCOMMChannel uint8 = 1
)

// Device is a bonded device as reported by the backend.
//
// MAC is required for connecting. Path is only set by backends that know an object path
// (BlueZ Device1).
type Device struct {
	Path  string // optional: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string // required: Bluetooth device address
	Name  string // optional: Device1.Name
	Alias string // optional: Device1.Alias
}

// Backend is everything the manager needs from the OS Bluetooth stack.
type Backend interface {
	// Preflight reports ErrNoAdapter or ErrAdapterDisabled when the radio cannot be used.
	Preflight(ctx context.Context) error

	// BondedDevices returns a snapshot of the devices bonded with the adapter.
	BondedDevices(ctx context.Context) ([]Device, error)

	// Dial opens one SPP connection to dev. The returned stream is owned by the caller
	// and Close must unblock any pending Read or Write.
	Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error)

	// Close releases backend resources. Idempotent.
	Close() error
}

// Options tunes a Mgr. Zero values fall back to the defaults below.
type Options struct {
	// ConnectRetries is the number of additional dial attempts after the first failure.
	// Negative disables retries.
	ConnectRetries int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ConnectTimeout bounds a whole Connect (resolve + all attempts). Zero means no bound.
	ConnectTimeout time.Duration
	ReadBufferSize int
	// EventBuffer is the capacity of the channel returned by Events.
	EventBuffer int
}

const (
	DefaultConnectRetries = 5
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
	DefaultReadBufferSize = 1024
	DefaultEventBuffer    = 64
)

func (o Options) withDefaults() Options {
	if o.ConnectRetries == 0 {
		o.ConnectRetries = DefaultConnectRetries
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// ConnectResult is delivered by ConnectAsync.
type ConnectResult struct {
	Identifier string
	Err        error
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	Identifier string
	Address    string
	State      ReaderState
}

// Mgr is the public surface of the connection manager.
type Mgr interface {
	// Connect resolves sel against the bonded devices, dials it and registers a session
	// under identifier (or the selector value when identifier is empty). A prior session
	// with the same identifier is torn down. It blocks until the session is registered or
	// the attempt fails; on failure no session exists and no event is emitted.
	Connect(ctx context.Context, sel Selector, identifier string) (string, error)

	// ConnectAsync runs Connect on its own goroutine. The returned channel receives exactly
	// one result and is then closed.
	ConnectAsync(ctx context.Context, sel Selector, identifier string) <-chan ConnectResult

	// Write sends payload to the session and flushes it. It never closes the session.
	// A write racing a teardown of the session reports ErrUnknownIdentifier.
	Write(identifier string, payload []byte) error

	// Disconnect tears the session down and waits for its reader to exit. An in-flight
	// Connect for the identifier is cancelled.
	Disconnect(identifier string) error

	// Events returns the stream of connected/data/disconnected events. It is closed after
	// Close has torn every session down. Callers must keep draining it.
	Events() <-chan Event

	// Devices returns the bonded devices known to the backend.
	Devices(ctx context.Context) ([]Device, error)

	// Sessions returns a snapshot of the live sessions.
	Sessions() []SessionInfo

	// Close disconnects every session and releases the backend.
	// Safe for concurrent use; redundant calls are allowed (idempotent).
	Close() error
}
