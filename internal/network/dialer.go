package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/1ureka/peermesh/internal/conntable"
	"github.com/1ureka/peermesh/internal/event"
)

// DialerConfig configures a Dialer. Zero values select the defaults.
type DialerConfig struct {
	Bus *event.Bus

	MaxConns     int
	PollTimeout  time.Duration
	PollInterval time.Duration
	DialTimeout  time.Duration

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Dialer owns the outbound connections of a node.
type Dialer struct {
	*mux
	dialTimeout time.Duration
	startOnce   sync.Once
	stopOnce    sync.Once
}

var dialerEvents = roleEvents{
	connected:    func(i event.ConnInfo) event.Event { return event.ConnectedToPeer{ConnInfo: i} },
	disconnected: func(i event.ConnInfo) event.Event { return event.DisconnectedFromPeer{ConnInfo: i} },
	received: func(i event.ConnInfo, b []byte) event.Event {
		return event.DialerDataReceived{ConnInfo: i, Data: b}
	},
	sent: func(i event.ConnInfo, b []byte, n int) event.Event {
		return event.DialerDataSent{ConnInfo: i, Data: b, Bytes: n}
	},
}

// NewDialer returns a running dialer with an empty table.
func NewDialer(cfg DialerConfig) *Dialer {
	d := &Dialer{
		mux: newMux(RoleDialer, cfg.Bus, dialerEvents,
			cfg.MaxConns, cfg.PollTimeout, cfg.PollInterval,
			cfg.MetricSink, cfg.MetricLabels),
		dialTimeout: cfg.DialTimeout,
	}
	if d.dialTimeout <= 0 {
		d.dialTimeout = DefaultDialTimeout
	}
	d.running.Store(true)
	return d
}

// Connect dials host:port once, adds the connection to the table and
// publishes ConnectedToPeer. Failures are fatal to the caller; there is no
// retry.
func (d *Dialer) Connect(ctx context.Context, host, port string) (conntable.ConnID, error) {
	addr := net.JoinHostPort(host, port)

	nd := net.Dialer{Timeout: d.dialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.incr(MetricDial, 1, LabelResult.M("error"))
		return 0, d.fail(fmt.Errorf("%w: %s: %w", ErrConnect, addr, err))
	}
	d.incr(MetricDial, 1, LabelResult.M("ok"))

	info, err := d.track(conn)
	if err != nil {
		conn.Close()
		return 0, d.fail(fmt.Errorf("%w: %s: %w", ErrConnect, addr, err))
	}
	return info.Conn, nil
}

// Run publishes DialerStarted and drives the loop until ctx is done, Stop is
// called, or a fatal error occurs.
func (d *Dialer) Run(ctx context.Context) error {
	d.startOnce.Do(func() { d.bus.Publish(event.DialerStarted{}) })
	return d.run(ctx)
}

// SendTo writes b to the outbound connection id. A write failure is fatal.
func (d *Dialer) SendTo(id conntable.ConnID, b []byte) (int, error) {
	return d.sendTo(id, b)
}

// Stop closes every outbound connection and publishes DialerStopped. The
// loop exits at its next iteration.
func (d *Dialer) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.running.Store(false)
		err = d.closeConns()
		d.bus.Publish(event.DialerStopped{})
	})
	return err
}

func (d *Dialer) Bus() *event.Bus { return d.bus }

// ConnectionCount returns the number of open outbound connections.
func (d *Dialer) ConnectionCount() int { return d.size() }

// LocalAddr returns the local address of the outbound connection id.
func (d *Dialer) LocalAddr(id conntable.ConnID) (net.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.table.Lookup(id)
	if !ok {
		return nil, false
	}
	return conn.LocalAddr(), true
}

// Conns returns a snapshot of the open connections in table order.
func (d *Dialer) Conns() []conntable.Entry { return d.snapshot() }
