// Package bridge exposes a connmgr.Mgr to remote callers over WebSocket: JSON requests in,
// JSON responses and broadcast session events out.
//
// Requests carry an id that is echoed in the response; a missing id is replaced by a
// random UUID. A connect response is sent only once the connect attempt has finished,
// while later requests on the same socket are served in the meantime.
//
// Every client has its own bounded send queue drained by one writer goroutine, so a slow
// client never delays delivery to the others; a client whose queue overflows is dropped.
package bridge

import (
	"encoding/json"
	"errors"

	"bluetooth-spp/internal/connmgr"
)

// Methods understood by the bridge.
const (
	MethodConnect    = "connect"
	MethodWrite      = "write"
	MethodDisconnect = "disconnect"
	MethodDevices    = "devices"
	MethodSessions   = "sessions"
)

// Error codes sent in Response.Error.Code.
const (
	CodeDeviceNotFound    = "DeviceNotFound"
	CodeConnectFailed     = "ConnectFailed"
	CodeDeviceNotExisting = "DeviceNotExisting"
	CodeNullException     = "NullException"
	CodeWriteException    = "WriteException"
	CodeSuperseded        = "Superseded"
	CodeNoAdapter         = "NoBluetoothAdapter"
	CodeClosed            = "Closed"
	CodeBadRequest        = "BadRequest"
	CodeInternal          = "Internal"
)

// Request is a client call.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is a failed call.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMessage is a session event broadcast to every client.
type EventMessage struct {
	Event      string `json:"event"`
	Identifier string `json:"identifier"`
	Address    string `json:"address,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

type connectParams struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Identifier string `json:"identifier"`
}

type connectResult struct {
	Identifier string `json:"identifier"`
}

type writeParams struct {
	Identifier string `json:"identifier"`
	Payload    []byte `json:"payload"`
}

type disconnectParams struct {
	Identifier string `json:"identifier"`
}

type deviceJSON struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Alias   string `json:"alias,omitempty"`
	Path    string `json:"path,omitempty"`
}

type sessionJSON struct {
	Identifier string `json:"identifier"`
	Address    string `json:"address"`
	State      string `json:"state"`
}

func eventMessage(ev connmgr.Event) EventMessage {
	return EventMessage{
		Event:      ev.Kind.String(),
		Identifier: ev.Identifier,
		Address:    ev.Address,
		Data:       ev.Data,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, connmgr.ErrDeviceNotFound), errors.Is(err, connmgr.ErrSelectorMismatch):
		return CodeDeviceNotFound
	case errors.Is(err, connmgr.ErrInvalidSelector):
		return CodeBadRequest
	case errors.Is(err, connmgr.ErrConnectFailed):
		return CodeConnectFailed
	case errors.Is(err, connmgr.ErrUnknownIdentifier):
		return CodeDeviceNotExisting
	case errors.Is(err, connmgr.ErrNullPayload):
		return CodeNullException
	case errors.Is(err, connmgr.ErrIO):
		return CodeWriteException
	case errors.Is(err, connmgr.ErrSuperseded):
		return CodeSuperseded
	case errors.Is(err, connmgr.ErrNoAdapter), errors.Is(err, connmgr.ErrAdapterDisabled):
		return CodeNoAdapter
	case errors.Is(err, connmgr.ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

func failure(id string, err error) Response {
	return Response{ID: id, Error: &Error{Code: errorCode(err), Message: err.Error()}}
}

func badRequest(id, msg string) Response {
	return Response{ID: id, Error: &Error{Code: CodeBadRequest, Message: msg}}
}
