package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/peermesh/internal/config"
	"github.com/1ureka/peermesh/internal/event"
	"github.com/1ureka/peermesh/internal/monitor"
	"github.com/1ureka/peermesh/internal/network"
	"github.com/1ureka/peermesh/internal/registry"
	"github.com/1ureka/peermesh/internal/util"
	"github.com/1ureka/peermesh/internal/workerpool"
)

var ErrAlreadyRunning = errors.New("peer: node already running")

// Option configures a Node.
type Option func(*Node) error

// WithMetricSink sends both roles' metrics to sink.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(n *Node) error {
		n.msink = sink
		return nil
	}
}

// WithAnnouncer replaces the default logging Announcer.
func WithAnnouncer(a Announcer) Option {
	return func(n *Node) error {
		if a == nil {
			return fmt.Errorf("peer: nil announcer")
		}
		n.announcer = a
		return nil
	}
}

// WithMonitor streams both roles' events to m.
func WithMonitor(m *monitor.Server) Option {
	return func(n *Node) error {
		n.monitor = m
		return nil
	}
}

// WithRand sets the generator GUIDs are drawn from.
func WithRand(r *rand.Rand) Option {
	return func(n *Node) error {
		n.rng = r
		return nil
	}
}

// Node is one peer process: a listener, a dialer, the worker pool and the
// controller that runs the handshake over them.
type Node struct {
	cfg config.Config

	msink     metrics.MetricSink
	announcer Announcer
	monitor   *monitor.Server
	rng       *rand.Rand

	listenerBus *event.Bus
	dialerBus   *event.Bus
	listener    *network.Listener
	dialer      *network.Dialer
	pool        *workerpool.Pool
	registry    *registry.Registry
	ctrl        *Controller

	running atomic.Bool

	lk     sync.Mutex
	cancel context.CancelCauseFunc
}

// NewNode builds a node from cfg. Nothing is bound until Host or Join.
func NewNode(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	n.listenerBus = event.NewBus()
	n.dialerBus = event.NewBus()
	n.registry = registry.New(cfg.MaxPeers, n.rng)
	n.pool = workerpool.New(cfg.MaxWorkers)

	n.listener = network.NewListener(network.ListenerConfig{
		Addr:         cfg.ListenAddr,
		Bus:          n.listenerBus,
		MaxConns:     cfg.MaxConns,
		PollTimeout:  cfg.PollTimeout,
		PollInterval: cfg.PollInterval,
		MetricSink:   n.msink,
	})
	n.dialer = network.NewDialer(network.DialerConfig{
		Bus:          n.dialerBus,
		MaxConns:     cfg.MaxConns,
		PollTimeout:  cfg.PollTimeout,
		PollInterval: cfg.PollInterval,
		DialTimeout:  cfg.DialTimeout,
		MetricSink:   n.msink,
	})

	n.ctrl = NewController(ControllerConfig{
		ListenerBus:   n.listenerBus,
		DialerBus:     n.dialerBus,
		Listener:      n.listener,
		Dialer:        n.dialer,
		Registry:      n.registry,
		AdvertiseHost: cfg.AdvertiseHost,
		ListenPort:    cfg.ListenPort(),
		Announcer:     n.announcer,
		Fatal:         n.fail,
	})

	if n.monitor != nil {
		n.monitor.Attach(n.listenerBus)
		n.monitor.Attach(n.dialerBus)
	}
	return n, nil
}

// Host seeds this node's GUID and serves joiners until ctx is done or a fatal
// error occurs.
func (n *Node) Host(ctx context.Context) error {
	return n.run(ctx, func() { n.ctrl.Seed() }, nil)
}

// Join starts the listener, then dials host:port from the worker pool and
// asks that peer for a GUID. It blocks like Host.
func (n *Node) Join(ctx context.Context, host, port string) error {
	return n.run(ctx, nil, func(ctx context.Context) error {
		return n.pool.Enqueue(func() {
			if _, err := n.dialer.Connect(ctx, host, port); err != nil {
				n.fail(err)
			}
		})
	})
}

// run binds the listener and drives both loops on their own goroutines.
// before runs ahead of binding; after runs once both loops are started.
func (n *Node) run(parent context.Context, before func(), after func(context.Context) error) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	n.lk.Lock()
	n.cancel = cancel
	n.lk.Unlock()

	if before != nil {
		before()
	}
	if err := n.listener.Listen(); err != nil {
		n.shutdown()
		return err
	}
	util.StartStatsReporter(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.listener.Run(gctx) })
	g.Go(func() error { return n.dialer.Run(gctx) })

	if after != nil {
		if err := after(gctx); err != nil {
			cancel(err)
		}
	}

	err := g.Wait()
	n.shutdown()

	if err == nil {
		if cause := context.Cause(ctx); cause != nil &&
			!errors.Is(cause, context.Canceled) &&
			!errors.Is(cause, context.DeadlineExceeded) {
			err = cause
		}
	}
	return err
}

// fail stops the node with err as the cause. Only the first cause is kept.
func (n *Node) fail(err error) {
	n.lk.Lock()
	cancel := n.cancel
	n.lk.Unlock()

	if cancel == nil {
		util.LogError("%v", err)
		return
	}
	cancel(err)
}

// shutdown releases everything in dependency order: the loops have already
// returned, so closing the tables is safe.
func (n *Node) shutdown() {
	if err := n.listener.Close(); err != nil {
		util.LogDebug("closing listener: %v", err)
	}
	if err := n.dialer.Stop(); err != nil {
		util.LogDebug("stopping dialer: %v", err)
	}
	n.pool.Stop()
	n.pool.Join()
}

func (n *Node) Controller() *Controller { return n.ctrl }

// ListenAddr returns the bound listener address, or nil before Host or Join.
func (n *Node) ListenAddr() net.Addr { return n.listener.Addr() }

func (n *Node) Listener() *network.Listener { return n.listener }

func (n *Node) Dialer() *network.Dialer { return n.dialer }

func (n *Node) Pool() *workerpool.Pool { return n.pool }
