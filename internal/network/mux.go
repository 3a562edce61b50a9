// Package network runs the listener and dialer connection loops.
//
// Each role owns one connection table. Watcher goroutines turn socket reads
// and accepts into readiness reports; the role's loop goroutine drains them,
// mutates the table and publishes events on the role's bus. Handlers run on
// the goroutine that published the event.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/1ureka/peermesh/internal/conntable"
	"github.com/1ureka/peermesh/internal/event"
	"github.com/1ureka/peermesh/internal/util"
)

const (
	DefaultPollTimeout  = 500 * time.Millisecond
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDialTimeout  = 5 * time.Second
)

var (
	ErrListen      = errors.New("network: listen failed")
	ErrAccept      = errors.New("network: accept failed")
	ErrConnect     = errors.New("network: connect failed")
	ErrRead        = errors.New("network: read failed")
	ErrSend        = errors.New("network: send failed")
	ErrUnknownConn = errors.New("network: unknown connection")
	ErrNotStarted  = errors.New("network: not started")
	ErrStopped     = errors.New("network: stopped")
)

// Role names the side of a node a loop serves.
type Role string

const (
	RoleListener Role = "listener"
	RoleDialer   Role = "dialer"
)

// Error tags a fatal error with the role it came from.
type Error struct {
	Role Role
	Err  error
}

func (e *Error) Error() string { return string(e.Role) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// RoleOf returns the role recorded in err, if any.
func RoleOf(err error) (Role, bool) {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Role, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Shared loop
// ---------------------------------------------------------------------------

// roleEvents builds the role-specific payloads for the shared loop.
type roleEvents struct {
	connected    func(event.ConnInfo) event.Event
	disconnected func(event.ConnInfo) event.Event
	received     func(event.ConnInfo, []byte) event.Event
	sent         func(event.ConnInfo, []byte, int) event.Event
}

// mux is the part of a role both Listener and Dialer share. mu guards the
// table: the loop goroutine and SendTo callers on other goroutines take it.
// It is never held while publishing.
type mux struct {
	role    Role
	bus     *event.Bus
	events  roleEvents
	running atomic.Bool

	mu    sync.Mutex
	table *conntable.Table

	poller       *poller
	pollTimeout  time.Duration
	pollInterval time.Duration

	msink  metrics.MetricSink
	labels []metrics.Label
}

func newMux(role Role, bus *event.Bus, ev roleEvents, maxConns int, pollTimeout, pollInterval time.Duration, sink metrics.MetricSink, labels []metrics.Label) *mux {
	if bus == nil {
		bus = event.NewBus()
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &mux{
		role:         role,
		bus:          bus,
		events:       ev,
		table:        conntable.New(maxConns),
		poller:       newPoller(),
		pollTimeout:  pollTimeout,
		pollInterval: pollInterval,
		msink:        sinkOrDefault(sink),
		labels:       labels,
	}
}

func (m *mux) fail(err error) error {
	return &Error{Role: m.role, Err: err}
}

// run is the loop body shared by both roles. Stop and cancellation are only
// observed between iterations.
func (m *mux) run(ctx context.Context) error {
	for m.running.Load() && ctx.Err() == nil {
		for _, r := range m.poller.wait(ctx, m.pollTimeout) {
			if err := m.handle(r); err != nil {
				return m.fail(err)
			}
		}
		sleep(ctx, m.pollInterval)
	}
	return nil
}

func (m *mux) handle(r readiness) error {
	switch {
	case r.accepted != nil:
		if !m.running.Load() {
			r.accepted.Close()
			return nil
		}
		if _, err := m.track(r.accepted); err != nil {
			util.LogWarning("%s: rejected %s: %v", m.role, r.accepted.RemoteAddr(), err)
			r.accepted.Close()
		}
		return nil

	case r.id == 0:
		if !m.running.Load() {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrAccept, r.err)

	case r.err != nil:
		return m.drop(r.id, r.err)

	default:
		m.mu.Lock()
		info, ok := m.infoLocked(r.id)
		m.mu.Unlock()
		if !ok {
			return nil
		}
		m.incr(MetricBytesIn, float32(len(r.data)))
		util.Stats.AddRecv(len(r.data))
		m.bus.Publish(m.events.received(info, r.data))
		return nil
	}
}

// track adds conn to the table, publishes the connected event and starts
// watching it.
func (m *mux) track(conn net.Conn) (event.ConnInfo, error) {
	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return event.ConnInfo{}, ErrStopped
	}
	idx, id, err := m.table.Add(conn)
	m.mu.Unlock()
	if err != nil {
		return event.ConnInfo{}, err
	}

	info := event.ConnInfo{Index: idx, Conn: id, Remote: remoteOf(conn)}
	util.LogDebug("[%08x] %s: connection %d at index %d (%s)", util.ConnFingerprint(conn), m.role, id, idx, info.Remote)
	m.incr(MetricConnAccepted, 1)
	util.Stats.AddConn()
	m.bus.Publish(m.events.connected(info))

	if !m.poller.watchConn(id, conn) {
		// Stopped after Add; closeConns has already closed conn.
		conn.Close()
		return info, ErrStopped
	}
	return info, nil
}

// drop handles the error that ended a reader. Stale reports for connections
// no longer in the table are ignored.
func (m *mux) drop(id conntable.ConnID, cause error) error {
	m.mu.Lock()
	info, ok := m.infoLocked(id)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if !isDisconnect(cause) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrRead, info.Remote, cause)
	}
	err := m.table.Remove(info.Index)
	m.mu.Unlock()

	if err != nil && !isDisconnect(err) {
		util.LogDebug("%s: closing %s: %v", m.role, info.Remote, err)
	}
	m.incr(MetricConnClosed, 1)
	util.Stats.RemoveConn()
	m.bus.Publish(m.events.disconnected(info))
	return nil
}

// sendTo writes b to the connection id in a single write. Short writes are
// reported, not retried.
func (m *mux) sendTo(id conntable.ConnID, b []byte) (int, error) {
	m.mu.Lock()
	info, ok := m.infoLocked(id)
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownConn, id)
	}
	conn, _ := m.table.Get(info.Index)
	n, err := conn.Write(b)
	m.mu.Unlock()

	if err != nil {
		return n, m.fail(fmt.Errorf("%w: %s: %w", ErrSend, info.Remote, err))
	}

	m.incr(MetricBytesOut, float32(n))
	util.Stats.AddSent(n)
	m.bus.Publish(m.events.sent(info, append([]byte(nil), b[:n]...), n))
	return n, nil
}

// must be called with mu held
func (m *mux) infoLocked(id conntable.ConnID) (event.ConnInfo, bool) {
	idx, ok := m.table.IndexOf(id)
	if !ok {
		return event.ConnInfo{}, false
	}
	conn, _ := m.table.Get(idx)
	return event.ConnInfo{Index: idx, Conn: id, Remote: remoteOf(conn)}, true
}

// closeConns closes every tracked connection and waits for the watchers.
func (m *mux) closeConns() error {
	m.mu.Lock()
	err := m.table.CloseAll()
	m.mu.Unlock()
	m.poller.close()
	return err
}

func remoteOf(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

func (m *mux) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Size()
}

func (m *mux) snapshot() []conntable.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Snapshot()
}
