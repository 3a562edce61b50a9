package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/1ureka/peermesh/internal/conntable"
	"github.com/1ureka/peermesh/internal/event"
)

// ListenerConfig configures a Listener. Zero values select the defaults.
type ListenerConfig struct {
	// Addr is the TCP address to bind, e.g. ":8080" or "127.0.0.1:0".
	Addr string

	// Bus receives the listener's events. A private bus is created when nil.
	Bus *event.Bus

	MaxConns     int
	PollTimeout  time.Duration
	PollInterval time.Duration

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Listener accepts joining peers and multiplexes their connections.
type Listener struct {
	*mux
	cfg ListenerConfig

	ln        net.Listener // guarded by mu
	closeOnce sync.Once
}

var listenerEvents = roleEvents{
	connected:    func(i event.ConnInfo) event.Event { return event.PeerConnected{ConnInfo: i} },
	disconnected: func(i event.ConnInfo) event.Event { return event.PeerDisconnected{ConnInfo: i} },
	received: func(i event.ConnInfo, b []byte) event.Event {
		return event.PeerDataReceived{ConnInfo: i, Data: b}
	},
	sent: func(i event.ConnInfo, b []byte, n int) event.Event {
		return event.PeerDataSent{ConnInfo: i, Data: b, Bytes: n}
	},
}

func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{
		mux: newMux(RoleListener, cfg.Bus, listenerEvents,
			cfg.MaxConns, cfg.PollTimeout, cfg.PollInterval,
			cfg.MetricSink, cfg.MetricLabels),
		cfg: cfg,
	}
}

// Listen binds the configured address and starts accepting. Accepted
// connections are only added to the table by Run.
func (l *Listener) Listen() error {
	if l.socket() != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return l.fail(fmt.Errorf("%w: %s: %w", ErrListen, l.cfg.Addr, err))
	}
	if !l.poller.watchListener(ln) {
		ln.Close()
		return l.fail(ErrStopped)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.running.Store(true)

	l.bus.Publish(event.ListenerStarted{Addr: ln.Addr().String()})
	return nil
}

// Run drives the loop until ctx is done, Close is called, or a fatal error
// occurs. Only fatal errors are returned.
func (l *Listener) Run(ctx context.Context) error {
	if l.socket() == nil {
		return l.fail(ErrNotStarted)
	}
	return l.run(ctx)
}

// SendTo writes b to the peer connection id. A write failure is fatal.
func (l *Listener) SendTo(id conntable.ConnID, b []byte) (int, error) {
	return l.sendTo(id, b)
}

// Close stops accepting, closes every connection and publishes
// ListenerStopped. It is safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.running.Store(false)
		ln := l.socket()
		if ln == nil {
			l.poller.close()
			return
		}
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		err = errors.Join(err, l.closeConns())
		l.bus.Publish(event.ListenerStopped{Addr: ln.Addr().String()})
	})
	return err
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	ln := l.socket()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

func (l *Listener) socket() net.Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln
}

func (l *Listener) Bus() *event.Bus { return l.bus }

// ConnectionCount returns the number of open peer connections.
func (l *Listener) ConnectionCount() int { return l.size() }

// Conns returns a snapshot of the open connections in table order.
func (l *Listener) Conns() []conntable.Entry { return l.snapshot() }
