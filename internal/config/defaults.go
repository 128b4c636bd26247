package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultTransport      = "profile"
	DefaultChannel        = 1
	DefaultServiceUUID    = "00001101-0000-1000-8000-00805f9b34fb"
	DefaultRetries        = 5
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
	DefaultReadBuffer     = 1024
	DefaultEventBuffer    = 64
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultBridgeListen   = "127.0.0.1:8765"
	DefaultBridgePath     = "/spp"
	DefaultWriteTimeout   = 10 * time.Second
	DefaultSendQueue      = 256
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	// Adapter defaults
	if c.Adapter.Transport == "" {
		c.Adapter.Transport = DefaultTransport
	}
	if c.Adapter.Channel == 0 {
		c.Adapter.Channel = DefaultChannel
	}
	if c.Adapter.ServiceUUID == "" {
		c.Adapter.ServiceUUID = DefaultServiceUUID
	}

	// Connect defaults
	if c.Connect.Retries == 0 {
		c.Connect.Retries = DefaultRetries
	}
	if c.Connect.BackoffInitial == 0 {
		c.Connect.BackoffInitial = DefaultBackoffInitial
	}
	if c.Connect.BackoffMax == 0 {
		c.Connect.BackoffMax = DefaultBackoffMax
	}

	// Session defaults
	if c.Session.ReadBuffer == 0 {
		c.Session.ReadBuffer = DefaultReadBuffer
	}
	if c.Session.EventBuffer == 0 {
		c.Session.EventBuffer = DefaultEventBuffer
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Bridge defaults
	if c.Bridge.Listen == "" {
		c.Bridge.Listen = DefaultBridgeListen
	}
	if c.Bridge.Path == "" {
		c.Bridge.Path = DefaultBridgePath
	}
	if c.Bridge.WriteTimeout == 0 {
		c.Bridge.WriteTimeout = DefaultWriteTimeout
	}
	if c.Bridge.SendQueue == 0 {
		c.Bridge.SendQueue = DefaultSendQueue
	}
}
