package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Validate checks the configuration for errors. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Adapter.Transport {
	case "profile", "socket":
	default:
		errs = append(errs, fmt.Errorf("adapter.transport must be profile or socket, got %q", c.Adapter.Transport))
	}
	if c.Adapter.Channel < 1 || c.Adapter.Channel > 30 {
		errs = append(errs, fmt.Errorf("adapter.channel must be between 1 and 30, got %d", c.Adapter.Channel))
	}
	if _, err := uuid.Parse(c.Adapter.ServiceUUID); err != nil {
		errs = append(errs, fmt.Errorf("adapter.service_uuid: %w", err))
	}

	if c.Connect.Retries < -1 {
		errs = append(errs, errors.New("connect.retries must be >= -1"))
	}
	if c.Connect.BackoffInitial < 0 || c.Connect.BackoffMax < 0 || c.Connect.Timeout < 0 {
		errs = append(errs, errors.New("connect durations must not be negative"))
	}
	if c.Connect.BackoffMax < c.Connect.BackoffInitial {
		errs = append(errs, errors.New("connect.backoff_max must be >= connect.backoff_initial"))
	}

	if c.Session.ReadBuffer < 1 {
		errs = append(errs, errors.New("session.read_buffer must be positive"))
	}
	if c.Session.EventBuffer < 1 {
		errs = append(errs, errors.New("session.event_buffer must be positive"))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if !strings.HasPrefix(c.Bridge.Path, "/") {
		errs = append(errs, fmt.Errorf("bridge.path must start with /, got %q", c.Bridge.Path))
	}
	if c.Bridge.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("bridge.send_queue must be positive, got %d", c.Bridge.SendQueue))
	}

	return errors.Join(errs...)
}
