package config

import "bluetooth-spp/internal/connmgr"

// ManagerOptions maps the connect and session sections onto connmgr.Options.
func (c *Config) ManagerOptions() connmgr.Options {
	return connmgr.Options{
		ConnectRetries: c.Connect.Retries,
		BackoffInitial: c.Connect.BackoffInitial,
		BackoffMax:     c.Connect.BackoffMax,
		ConnectTimeout: c.Connect.Timeout,
		ReadBufferSize: c.Session.ReadBuffer,
		EventBuffer:    c.Session.EventBuffer,
	}
}

// BlueZOptions maps the adapter section onto connmgr.BlueZOptions.
func (c *Config) BlueZOptions() connmgr.BlueZOptions {
	return connmgr.BlueZOptions{
		Adapter:     c.Adapter.Name,
		ServiceUUID: c.Adapter.ServiceUUID,
		Transport:   connmgr.Transport(c.Adapter.Transport),
		Channel:     c.Adapter.Channel,
	}
}
