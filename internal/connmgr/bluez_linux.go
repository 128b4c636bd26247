//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// NewBlueZ creates a backend talking to bluetoothd over the system bus.
func NewBlueZ(opts BlueZOptions, logger logrus.FieldLogger) Backend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &bluez{opts: opts.withDefaults(), log: logger}
}

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
)

var pathCounter uint64

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type bluez struct {
	opts BlueZOptions
	log  logrus.FieldLogger

	mu     sync.Mutex
	closed bool

	bus     *dbus.Conn
	adapter dbus.ObjectPath // resolved by Preflight

	// client profile state
	clientExported bool
	cliProf        *profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (b *bluez) ensureBusLocked() error {
	if b.bus != nil {
		return nil
	}
	// Private connection: Close must not tear down a bus shared with other packages.
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	b.bus = c
	// Close the bus last during cleanup.
	b.cleanup = append(b.cleanup, func() { b.bus.Close() })
	return nil
}

func (b *bluez) conn() (*dbus.Conn, dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, "", ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, "", err
	}
	return b.bus, b.adapter, nil
}

// profile implements org.bluez.Profile1 and hands each NewConnection FD to the Dial
// waiting on that device.
type profile struct {
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan int
}

func newProfile() *profile {
	return &profile{waiters: make(map[dbus.ObjectPath]chan int)}
}

// expect registers a waiter for dev. Only one Dial per device may be pending.
func (p *profile) expect(dev dbus.ObjectPath) (chan int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.waiters[dev]; busy {
		return nil, fmt.Errorf("connmgr: connect to %s already pending", dev)
	}
	ch := make(chan int, 1)
	p.waiters[dev] = ch
	return ch, nil
}

// forget drops the waiter and closes an FD that arrived after the waiter gave up.
func (p *profile) forget(dev dbus.ObjectPath, ch chan int) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	select {
	case fd := <-ch:
		_ = unix.Close(fd)
	default:
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; sessions are torn down by closing the socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the Dial waiting for dev.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	if ok {
		// Buffered and removed from waiters above, so this never blocks.
		ch <- int(fd)
		return nil
	}
	// No receiver; close FD and return a rejection to avoid leaks.
	_ = unix.Close(int(fd))
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no pending connect"}}
}

func (b *bluez) Preflight(ctx context.Context) error {
	bus, _, err := b.conn()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}
	path, props, ok := pickAdapter(objs, b.opts.Adapter)
	if !ok {
		if b.opts.Adapter != "" {
			return fmt.Errorf("%w: %s", ErrNoAdapter, b.opts.Adapter)
		}
		return ErrNoAdapter
	}
	if powered, _ := props["Powered"].Value().(bool); !powered {
		return fmt.Errorf("%w: %s", ErrAdapterDisabled, path)
	}

	b.mu.Lock()
	b.adapter = path
	b.mu.Unlock()
	b.log.WithField("adapter", string(path)).Debug("adapter ready")
	return nil
}

func (b *bluez) BondedDevices(ctx context.Context) ([]Device, error) {
	bus, adapter, err := b.conn()
	if err != nil {
		return nil, err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	var out []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !bonded(props) {
			continue
		}
		if adapter != "" {
			if a, _ := props["Adapter"].Value().(dbus.ObjectPath); a != adapter {
				continue
			}
		}
		out = append(out, deviceFromProps(path, props))
	}
	// Stable order so "first match wins" is deterministic.
	slices.SortFunc(out, func(x, y Device) int { return strings.Compare(x.Path, y.Path) })
	return out, nil
}

func (b *bluez) Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error) {
	if dev.MAC == "" {
		return nil, errors.New("connmgr: device address required")
	}
	if b.opts.Transport == TransportSocket {
		return dialRFCOMM(ctx, dev.MAC, b.opts.Channel)
	}

	prof, bus, adapter, err := b.ensureClientProfile()
	if err != nil {
		return nil, err
	}
	devPath := dbus.ObjectPath(dev.Path)
	if devPath == "" {
		if adapter == "" {
			return nil, fmt.Errorf("connmgr: no object path for %s", dev.MAC)
		}
		devPath = pathFromMAC(adapter, dev.MAC)
	}

	ch, err := prof.expect(devPath)
	if err != nil {
		return nil, err
	}
	defer prof.forget(devPath, ch)

	// Initiate ConnectProfile on the device; bluetoothd answers with NewConnection.
	devObj := bus.Object(bluezService, devPath)
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, b.opts.ServiceUUID); call.Err != nil {
		return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case fd := <-ch:
		return newFDConn(fd, "rfcomm:"+dev.MAC)
	}
}

// ensureClientProfile exports and registers the client Profile1 once.
func (b *bluez) ensureClientProfile() (*profile, *dbus.Conn, dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, "", ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, nil, "", err
	}
	if b.clientExported {
		return b.cliProf, b.bus, b.adapter, nil
	}

	prof := newProfile()
	// Unique client path per instance.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_spp/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := b.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, nil, "", fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := b.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, b.opts.ServiceUUID, optsMap); call.Err != nil {
		_ = b.bus.Export(nil, path, profileInterfaceName)
		return nil, nil, "", fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	bus := b.bus
	// Unregister client profile on close.
	b.cleanup = append(b.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	b.cliProf = prof
	b.clientExported = true
	b.log.WithField("path", string(path)).Debug("client profile registered")
	return prof, b.bus, b.adapter, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (b *bluez) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	// Clear to allow GC of captured resources.
	b.cleanup = nil
	b.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

func getManagedObjects(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// pickAdapter finds the adapter called name (e.g. "hci0"), or the first one when name is empty.
func pickAdapter(objs managedObjects, name string) (dbus.ObjectPath, map[string]dbus.Variant, bool) {
	var paths []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	for _, p := range paths {
		if name == "" || strings.HasSuffix(string(p), "/"+name) {
			return p, objs[p][adapterIface], true
		}
	}
	return "", nil, false
}

func bonded(props map[string]dbus.Variant) bool {
	for _, key := range []string{"Bonded", "Paired"} {
		if v, ok := props[key]; ok {
			if b, _ := v.Value().(bool); b {
				return true
			}
		}
	}
	return false
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
	}
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}

func pathFromMAC(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ToUpper(strings.ReplaceAll(mac, ":", "_")))
}
