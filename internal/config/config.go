package config

import "time"

// Config is the root configuration.
type Config struct {
	Adapter AdapterConfig `yaml:"adapter"`
	Connect ConnectConfig `yaml:"connect"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// AdapterConfig selects the local adapter and how RFCOMM sockets are obtained.
type AdapterConfig struct {
	Name        string `yaml:"name"`         // e.g. hci0; empty = first adapter
	Transport   string `yaml:"transport"`    // profile | socket
	Channel     uint8  `yaml:"channel"`      // RFCOMM channel for the socket transport
	ServiceUUID string `yaml:"service_uuid"` // profile UUID, SPP by default
}

// ConnectConfig is the connect retry policy.
type ConnectConfig struct {
	// Retries is the number of extra attempts after the first one. -1 disables retries.
	Retries        int           `yaml:"retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	Timeout        time.Duration `yaml:"timeout"`
}

// SessionConfig sizes per-session and event buffers.
type SessionConfig struct {
	ReadBuffer  int `yaml:"read_buffer"`
	EventBuffer int `yaml:"event_buffer"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// BridgeConfig configures the WebSocket event bridge.
type BridgeConfig struct {
	Listen       string        `yaml:"listen"`
	Path         string        `yaml:"path"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendQueue    int           `yaml:"send_queue"` // per-client outgoing messages before the client is dropped
}
