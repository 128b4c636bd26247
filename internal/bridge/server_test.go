package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"bluetooth-spp/internal/connmgr"
)

// fakeMgr records calls and lets tests push events.
type fakeMgr struct {
	mu      sync.Mutex
	writes  map[string][]byte
	events  chan connmgr.Event
	connect func(sel connmgr.Selector, id string) (string, error)
}

func newFakeMgr() *fakeMgr {
	return &fakeMgr{writes: make(map[string][]byte), events: make(chan connmgr.Event, 8)}
}

func (f *fakeMgr) Connect(_ context.Context, sel connmgr.Selector, id string) (string, error) {
	return f.connect(sel, id)
}

func (f *fakeMgr) ConnectAsync(ctx context.Context, sel connmgr.Selector, id string) <-chan connmgr.ConnectResult {
	ch := make(chan connmgr.ConnectResult, 1)
	got, err := f.Connect(ctx, sel, id)
	ch <- connmgr.ConnectResult{Identifier: got, Err: err}
	close(ch)
	return ch
}

func (f *fakeMgr) Write(id string, payload []byte) error {
	if id != "HC-05" {
		return fmt.Errorf("%w: %s", connmgr.ErrUnknownIdentifier, id)
	}
	if payload == nil {
		return connmgr.ErrNullPayload
	}
	f.mu.Lock()
	f.writes[id] = append(f.writes[id], payload...)
	f.mu.Unlock()
	return nil
}

func (f *fakeMgr) Disconnect(id string) error {
	if id != "HC-05" {
		return connmgr.ErrUnknownIdentifier
	}
	return nil
}

func (f *fakeMgr) Events() <-chan connmgr.Event { return f.events }

func (f *fakeMgr) Devices(context.Context) ([]connmgr.Device, error) {
	return []connmgr.Device{{Name: "HC-05", MAC: "00:11:22:33:44:55"}}, nil
}

func (f *fakeMgr) Sessions() []connmgr.SessionInfo {
	return []connmgr.SessionInfo{{Identifier: "HC-05", Address: "00:11:22:33:44:55", State: connmgr.ReaderRunning}}
}

func (f *fakeMgr) Close() error { return nil }

type message struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Event  string          `json:"event"`

	Identifier string `json:"identifier"`
	Address    string `json:"address"`
	Data       []byte `json:"data"`
}

func serveBridge(t *testing.T, mgr connmgr.Mgr, opts Options) (*Server, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := New(mgr, opts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cancel()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startBridge(t *testing.T, mgr connmgr.Mgr) (*Server, *websocket.Conn) {
	t.Helper()
	srv, url := serveBridge(t, mgr, Options{WriteTimeout: time.Second})
	return srv, dial(t, url)
}

func call(t *testing.T, conn *websocket.Conn, req Request) message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	return read(t, conn)
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDevicesAndSessions(t *testing.T) {
	_, conn := startBridge(t, newFakeMgr())

	resp := call(t, conn, Request{ID: "1", Method: MethodDevices})
	require.Equal(t, "1", resp.ID)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `[{"name":"HC-05","address":"00:11:22:33:44:55"}]`, string(resp.Result))

	resp = call(t, conn, Request{ID: "2", Method: MethodSessions})
	require.JSONEq(t, `[{"identifier":"HC-05","address":"00:11:22:33:44:55","state":"running"}]`, string(resp.Result))
}

func TestConnect(t *testing.T) {
	mgr := newFakeMgr()
	mgr.connect = func(sel connmgr.Selector, id string) (string, error) {
		if sel.Value != "HC-05" {
			return "", fmt.Errorf("%w: %s", connmgr.ErrDeviceNotFound, sel)
		}
		if id == "" {
			id = sel.Value
		}
		return id, nil
	}
	_, conn := startBridge(t, mgr)

	resp := call(t, conn, Request{ID: "c1", Method: MethodConnect, Params: json.RawMessage(`{"name":"HC-05"}`)})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"identifier":"HC-05"}`, string(resp.Result))

	resp = call(t, conn, Request{ID: "c2", Method: MethodConnect, Params: json.RawMessage(`{"name":"Ghost"}`)})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeDeviceNotFound, resp.Error.Code)

	resp = call(t, conn, Request{ID: "c3", Method: MethodConnect, Params: json.RawMessage(`{}`)})
	require.Equal(t, CodeBadRequest, resp.Error.Code)
}

func TestWrite(t *testing.T) {
	mgr := newFakeMgr()
	_, conn := startBridge(t, mgr)

	resp := call(t, conn, Request{ID: "w1", Method: MethodWrite, Params: json.RawMessage(`{"identifier":"HC-05","payload":"AQI="}`)})
	require.Nil(t, resp.Error)
	mgr.mu.Lock()
	require.Equal(t, []byte{0x01, 0x02}, mgr.writes["HC-05"])
	mgr.mu.Unlock()

	resp = call(t, conn, Request{ID: "w2", Method: MethodWrite, Params: json.RawMessage(`{"identifier":"HC-05"}`)})
	require.Equal(t, CodeNullException, resp.Error.Code)

	resp = call(t, conn, Request{ID: "w3", Method: MethodWrite, Params: json.RawMessage(`{"payload":"AQI="}`)})
	require.Equal(t, CodeNullException, resp.Error.Code)

	resp = call(t, conn, Request{ID: "w4", Method: MethodWrite, Params: json.RawMessage(`{"identifier":"nope","payload":"AQI="}`)})
	require.Equal(t, CodeDeviceNotExisting, resp.Error.Code)
}

func TestDisconnect(t *testing.T) {
	_, conn := startBridge(t, newFakeMgr())

	resp := call(t, conn, Request{ID: "d1", Method: MethodDisconnect, Params: json.RawMessage(`{"identifier":"HC-05"}`)})
	require.Nil(t, resp.Error)

	resp = call(t, conn, Request{ID: "d2", Method: MethodDisconnect, Params: json.RawMessage(`{"identifier":"HC-05x"}`)})
	require.Equal(t, CodeDeviceNotExisting, resp.Error.Code)
}

func TestBadRequests(t *testing.T) {
	_, conn := startBridge(t, newFakeMgr())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp := read(t, conn)
	require.Equal(t, CodeBadRequest, resp.Error.Code)

	resp = call(t, conn, Request{Method: "reboot"})
	require.Equal(t, CodeBadRequest, resp.Error.Code)
	_, err := uuid.Parse(resp.ID)
	require.NoError(t, err, "missing request id is replaced by a uuid")
}

func TestEventsAreBroadcast(t *testing.T) {
	mgr := newFakeMgr()
	_, conn := startBridge(t, mgr)

	// A served request proves the client is registered.
	call(t, conn, Request{ID: "sync", Method: MethodSessions})

	mgr.events <- connmgr.Event{Kind: connmgr.EventConnected, Identifier: "HC-05", Address: "00:11:22:33:44:55"}
	mgr.events <- connmgr.Event{Kind: connmgr.EventData, Identifier: "HC-05", Data: []byte{0x01, 0x02}}
	mgr.events <- connmgr.Event{Kind: connmgr.EventDisconnected, Identifier: "HC-05"}

	ev := read(t, conn)
	require.Equal(t, "connected", ev.Event)
	require.Equal(t, "00:11:22:33:44:55", ev.Address)

	ev = read(t, conn)
	require.Equal(t, "data", ev.Event)
	require.Equal(t, []byte{0x01, 0x02}, ev.Data)

	ev = read(t, conn)
	require.Equal(t, "disconnected", ev.Event)
	require.Equal(t, "HC-05", ev.Identifier)
}

func TestSlowClientDoesNotStallOthers(t *testing.T) {
	mgr := newFakeMgr()
	srv, url := serveBridge(t, mgr, Options{WriteTimeout: 10 * time.Second, SendQueue: 4})
	slow := dial(t, url)
	fast := dial(t, url)
	call(t, slow, Request{ID: "s", Method: MethodSessions})
	call(t, fast, Request{ID: "f", Method: MethodSessions})

	// Enough data to fill the socket buffers of a client that never reads.
	payload := make([]byte, 256<<10)
	const n = 64
	go func() {
		for i := 0; i < n; i++ {
			mgr.events <- connmgr.Event{Kind: connmgr.EventData, Identifier: "HC-05", Data: payload}
		}
	}()

	for i := 0; i < n; i++ {
		ev := read(t, fast)
		require.Equal(t, "data", ev.Event)
		require.Len(t, ev.Data, len(payload))
	}

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.clients) == 1
	}, 2*time.Second, 10*time.Millisecond, "the slow client is dropped")
}

func TestErrorCode(t *testing.T) {
	tests := map[error]string{
		connmgr.ErrDeviceNotFound:                                 CodeDeviceNotFound,
		fmt.Errorf("%w: x", connmgr.ErrConnectFailed):             CodeConnectFailed,
		connmgr.ErrUnknownIdentifier:                              CodeDeviceNotExisting,
		connmgr.ErrNullPayload:                                    CodeNullException,
		fmt.Errorf("%w: write: %w", connmgr.ErrIO, io.ErrShortWrite): CodeWriteException,
		connmgr.ErrSuperseded:                                     CodeSuperseded,
		connmgr.ErrAdapterDisabled:                                CodeNoAdapter,
		io.EOF:                                                    CodeInternal,
	}
	for err, want := range tests {
		require.Equal(t, want, errorCode(err), err.Error())
	}
}
