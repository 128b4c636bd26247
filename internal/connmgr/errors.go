package connmgr

import "errors"

// Errors returned by the manager. Wrapped causes are reachable with errors.Is / errors.As.
var (
	ErrDeviceNotFound    = errors.New("connmgr: bonded device not found")
	ErrConnectFailed     = errors.New("connmgr: connect failed")
	ErrUnknownIdentifier = errors.New("connmgr: unknown identifier")
	ErrNullPayload       = errors.New("connmgr: payload is null")
	ErrIO                = errors.New("connmgr: i/o error")
	ErrNoAdapter         = errors.New("connmgr: bluetooth adapter not available")
	ErrAdapterDisabled   = errors.New("connmgr: bluetooth adapter is disabled")
	ErrSelectorMismatch  = errors.New("connmgr: name and address select different devices")
	ErrInvalidSelector   = errors.New("connmgr: selector needs a name or an address")
	ErrSuperseded        = errors.New("connmgr: connect superseded")
	ErrClosed            = errors.New("connmgr: closed")
)
