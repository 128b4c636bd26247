package connmgr

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type mgr struct {
	backend Backend
	opts    Options
	log     logrus.FieldLogger
	events  *eventQueue

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	// draining holds sessions removed from sessions whose reader has not yet emitted
	// its disconnected event. A reconnect under the same identifier waits for them.
	draining map[string]*session
	pending  map[string]*attempt
	seq      uint64

	// readers tracks every reader goroutine, including superseded ones.
	readers sync.WaitGroup
}

// attempt is an in-flight Connect for one identifier.
type attempt struct {
	seq    uint64
	cancel context.CancelFunc
}

// New checks the adapter once and returns a manager over backend. Adapter problems are
// reported here (ErrNoAdapter, ErrAdapterDisabled), not on every call.
func New(ctx context.Context, backend Backend, opts Options, logger logrus.FieldLogger) (Mgr, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := backend.Preflight(ctx); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &mgr{
		backend:  backend,
		opts:     opts,
		log:      logger,
		events:   newEventQueue(opts.EventBuffer),
		sessions: make(map[string]*session),
		draining: make(map[string]*session),
		pending:  make(map[string]*attempt),
	}, nil
}

func identifierFor(sel Selector, identifier string) string {
	if identifier != "" {
		return identifier
	}
	return sel.Value
}

func (m *mgr) Connect(ctx context.Context, sel Selector, identifier string) (string, error) {
	if !sel.valid() {
		return "", ErrInvalidSelector
	}
	id := identifierFor(sel, identifier)

	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.seq++
	a := &attempt{seq: m.seq, cancel: cancel}
	if prev := m.pending[id]; prev != nil {
		prev.cancel()
	}
	m.pending[id] = a
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"identifier": id, "selector": sel.String()})
	conn, dev, err := m.open(ctx, sel, log)

	m.mu.Lock()
	current := m.pending[id] == a
	if current {
		delete(m.pending, id)
	}
	switch {
	case m.closed:
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return "", ErrClosed
	case !current:
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		log.Debug("connect superseded")
		return "", fmt.Errorf("%w: %s", ErrSuperseded, id)
	case err != nil:
		m.mu.Unlock()
		log.WithError(err).Warn("connect failed")
		return "", err
	}

	s := newSession(id, dev, conn)
	prev := m.sessions[id]
	replaced := prev != nil
	if prev == nil {
		// A draining session is already closing; the new reader only waits for it.
		prev = m.draining[id]
	}
	m.sessions[id] = s
	m.readers.Add(1)
	go func() {
		defer m.readers.Done()
		s.run(m, prev, m.opts.ReadBufferSize)
	}()
	m.mu.Unlock()

	if replaced {
		log.Info("replacing existing session")
		_ = prev.close()
	}
	log.WithField("address", dev.MAC).Info("session connected")
	return id, nil
}

// open resolves the device and dials it, retrying transport failures with backoff.
func (m *mgr) open(ctx context.Context, sel Selector, log logrus.FieldLogger) (io.ReadWriteCloser, Device, error) {
	devs, err := m.backend.BondedDevices(ctx)
	if err != nil {
		return nil, Device{}, fmt.Errorf("connmgr: list bonded devices: %w", err)
	}
	dev, err := sel.resolve(devs)
	if err != nil {
		return nil, Device{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.BackoffInitial
	eb.MaxInterval = m.opts.BackoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.opts.ConnectRetries)), ctx)

	var (
		conn     io.ReadWriteCloser
		attempts int
	)
	op := func() error {
		attempts++
		c, err := m.backend.Dial(ctx, dev)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempts, "wait": wait}).Debug("connect attempt failed, retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, dev, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, dev.MAC, attempts, cerr)
		}
		return nil, dev, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, dev.MAC, attempts, err)
	}
	return conn, dev, nil
}

func (m *mgr) ConnectAsync(ctx context.Context, sel Selector, identifier string) <-chan ConnectResult {
	ch := make(chan ConnectResult, 1)
	go func() {
		defer close(ch)
		id, err := m.Connect(ctx, sel, identifier)
		if err != nil {
			id = identifierFor(sel, identifier)
		}
		ch <- ConnectResult{Identifier: id, Err: err}
	}()
	return ch
}

func (m *mgr) lookup(identifier string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[identifier]
}

func (m *mgr) Write(identifier string, payload []byte) error {
	s := m.lookup(identifier)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownIdentifier, identifier)
	}
	if payload == nil {
		return ErrNullPayload
	}
	return s.write(payload)
}

func (m *mgr) Disconnect(identifier string) error {
	m.mu.Lock()
	s := m.sessions[identifier]
	if s != nil {
		delete(m.sessions, identifier)
		m.draining[identifier] = s
	}
	a := m.pending[identifier]
	delete(m.pending, identifier)
	m.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if s == nil {
		if a != nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownIdentifier, identifier)
	}
	if err := s.close(); err != nil {
		m.log.WithError(err).WithField("identifier", identifier).Debug("close socket")
	}
	<-s.done
	m.log.WithField("identifier", identifier).Info("session disconnected")
	return nil
}

// release drops s from the registry if it is still registered and closes its socket.
func (m *mgr) release(s *session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.draining[s.id] = s
	}
	m.mu.Unlock()
	_ = s.close()
}

// drained forgets s once its disconnected event is queued.
func (m *mgr) drained(s *session) {
	m.mu.Lock()
	if m.draining[s.id] == s {
		delete(m.draining, s.id)
	}
	m.mu.Unlock()
}

func (m *mgr) Events() <-chan Event { return m.events.out }

func (m *mgr) Devices(ctx context.Context) ([]Device, error) {
	devs, err := m.backend.BondedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("connmgr: list bonded devices: %w", err)
	}
	return devs, nil
}

func (m *mgr) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, SessionInfo{Identifier: id, Address: s.dev.MAC, State: s.readerState()})
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.Identifier, b.Identifier) })
	return out
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	pending := m.pending
	m.sessions = make(map[string]*session)
	m.pending = make(map[string]*attempt)
	m.mu.Unlock()

	for _, a := range pending {
		a.cancel()
	}
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			_ = s.close()
			<-s.done
			return nil
		})
	}
	_ = g.Wait()
	m.readers.Wait()
	m.events.close()

	if err := m.backend.Close(); err != nil {
		return fmt.Errorf("connmgr: close backend: %w", err)
	}
	return nil
}
