package connmgr

import (
	"fmt"
	"net"
)

// Transport selects how the BlueZ backend obtains the RFCOMM socket.
type Transport string

const (
	// TransportProfile registers a client Profile1 and lets bluetoothd run SDP and hand
	// over the connected socket.
	TransportProfile Transport = "profile"
	// TransportSocket dials a raw RFCOMM socket on a fixed channel.
	TransportSocket Transport = "socket"
)

// BlueZOptions configures the BlueZ backend.
type BlueZOptions struct {
	// Adapter is the adapter name (e.g. "hci0"). Empty picks the first adapter found.
	Adapter string
	// ServiceUUID is the profile UUID passed to ConnectProfile. Defaults to SPPUUID.
	ServiceUUID string
	Transport   Transport
	// Channel is the RFCOMM channel for TransportSocket. Defaults to DefaultRFCOMMChannel.
	Channel uint8
}

func (o BlueZOptions) withDefaults() BlueZOptions {
	if o.ServiceUUID == "" {
		o.ServiceUUID = SPPUUID
	}
	if o.Transport == "" {
		o.Transport = TransportProfile
	}
	if o.Channel == 0 {
		o.Channel = DefaultRFCOMMChannel
	}
	return o
}

// bdaddr converts "AA:BB:CC:DD:EE:FF" to the little-endian byte order the kernel uses.
func bdaddr(mac string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return b, fmt.Errorf("connmgr: parse address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("connmgr: address %q is not 6 bytes", mac)
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}
