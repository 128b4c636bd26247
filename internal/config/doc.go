// Package config loads the YAML configuration for the SPP connection manager: adapter and
// transport selection, connect retry policy, session buffers, logging and the event bridge.
//
// ${VAR} references are expanded from the environment before parsing. Missing optional
// fields get the defaults in defaults.go.
package config
