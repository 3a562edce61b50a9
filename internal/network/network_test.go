package network

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peermesh/internal/event"
)

const (
	testPollTimeout  = 20 * time.Millisecond
	testPollInterval = 5 * time.Millisecond
)

// recorder collects every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(bus *event.Bus, kinds ...event.Kind) *recorder {
	r := &recorder{}
	bus.RegisterAll(func(ev event.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}, kinds...)
	return r
}

func (r *recorder) count(kind event.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind event.Kind) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind() == kind {
			return r.events[i]
		}
	}
	return nil
}

// counter sums a counter across all intervals and label sets.
func counter(sink *metrics.InmemSink, key []string) float64 {
	name := strings.Join(key, ".")
	var total float64
	for _, iv := range sink.Data() {
		iv.RLock()
		for k, v := range iv.Counters {
			if k == name || strings.HasPrefix(k, name+";") {
				total += v.Sum
			}
		}
		iv.RUnlock()
	}
	return total
}

// startListener binds a loopback listener and runs its loop until the test ends.
func startListener(t *testing.T, sink metrics.MetricSink) (*Listener, *recorder) {
	t.Helper()

	bus := event.NewBus()
	rec := record(bus, event.ListenerKinds...)
	l := NewListener(ListenerConfig{
		Addr:         "127.0.0.1:0",
		Bus:          bus,
		PollTimeout:  testPollTimeout,
		PollInterval: testPollInterval,
		MetricSink:   sink,
	})
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		l.Close()
	})
	return l, rec
}

func TestListenerConnectReceiveDisconnect(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	l, rec := startListener(t, sink)
	require.Equal(t, 1, rec.count(event.KindListenerStarted))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.count(event.KindPeerConnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, l.ConnectionCount())

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.count(event.KindPeerDataReceived) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := rec.last(event.KindPeerDataReceived).(event.PeerDataReceived)
	require.Equal(t, []byte("hello"), got.Data)
	require.Equal(t, 0, got.Index)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return rec.count(event.KindPeerDisconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		return rec.count(event.KindPeerDisconnected) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 0, l.ConnectionCount())

	require.Equal(t, float64(1), counter(sink, MetricConnAccepted))
	require.Equal(t, float64(1), counter(sink, MetricConnClosed))
	require.Equal(t, float64(5), counter(sink, MetricBytesIn))
}

// A peer that aborts with RST is a disconnect, not a fatal read error.
func TestListenerResetIsDisconnect(t *testing.T) {
	l, rec := startListener(t, nil)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.count(event.KindPeerConnected) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return rec.count(event.KindPeerDisconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, l.ConnectionCount())
}

func TestListenerCompactsOnDisconnect(t *testing.T) {
	l, rec := startListener(t, nil)

	first, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return l.ConnectionCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	secondID := l.Conns()[1].ID

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conns := l.Conns()
	require.Equal(t, secondID, conns[0].ID, "later entry shifts down to index 0")

	_, err = second.Write([]byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.count(event.KindPeerDataReceived) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, rec.last(event.KindPeerDataReceived).(event.PeerDataReceived).Index)
}

func TestListenerSendTo(t *testing.T) {
	l, rec := startListener(t, nil)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	n, err := l.SendTo(l.Conns()[0].ID, []byte("pong"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), buf)

	sent := rec.last(event.KindPeerDataSent).(event.PeerDataSent)
	require.Equal(t, 4, sent.Bytes)
	require.Equal(t, []byte("pong"), sent.Data)

	_, err = l.SendTo(9999, []byte("x"))
	require.ErrorIs(t, err, ErrUnknownConn)
}

func TestListenAddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	l := NewListener(ListenerConfig{Addr: taken.Addr().String()})
	err = l.Listen()
	require.ErrorIs(t, err, ErrListen)

	role, ok := RoleOf(err)
	require.True(t, ok)
	require.Equal(t, RoleListener, role)

	require.ErrorIs(t, l.Run(context.Background()), ErrNotStarted)
	require.NoError(t, l.Close())
}

func TestListenerCloseStopsRun(t *testing.T) {
	bus := event.NewBus()
	rec := record(bus, event.ListenerKinds...)
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0", Bus: bus, PollTimeout: testPollTimeout, PollInterval: testPollInterval})
	require.NoError(t, l.Listen())

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Equal(t, 0, l.ConnectionCount())
	require.Equal(t, 1, rec.count(event.KindListenerStopped))
	require.NoError(t, l.Close(), "second Close is a no-op")
}

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

func startDialer(t *testing.T, sink metrics.MetricSink) (*Dialer, *recorder) {
	t.Helper()

	bus := event.NewBus()
	rec := record(bus, event.DialerKinds...)
	d := NewDialer(DialerConfig{
		Bus:          bus,
		PollTimeout:  testPollTimeout,
		PollInterval: testPollInterval,
		DialTimeout:  time.Second,
		MetricSink:   sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		d.Stop()
	})
	return d, rec
}

func TestDialerConnectExchangeDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	sink := metrics.NewInmemSink(time.Second, time.Minute)
	d, rec := startDialer(t, sink)

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	id, err := d.Connect(context.Background(), host, port)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, 1, d.ConnectionCount())
	require.Equal(t, 1, rec.count(event.KindConnectedToPeer))

	remote := <-accepted

	_, err = d.SendTo(id, []byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), buf)

	_, err = remote.Write([]byte("back"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.count(event.KindDialerDataReceived) == 1
	}, 2*time.Second, 5*time.Millisecond)
	got := rec.last(event.KindDialerDataReceived).(event.DialerDataReceived)
	require.Equal(t, id, got.Conn)
	require.Equal(t, []byte("back"), got.Data)

	require.NoError(t, remote.Close())
	require.Eventually(t, func() bool {
		return rec.count(event.KindDisconnectedFromPeer) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, d.ConnectionCount())

	require.Equal(t, float64(1), counter(sink, MetricDial))
	require.Equal(t, float64(2), counter(sink, MetricBytesOut))
}

func TestDialerConnectFailure(t *testing.T) {
	// Reserve a port, then free it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d, rec := startDialer(t, nil)
	host, port, _ := net.SplitHostPort(addr)

	_, err = d.Connect(context.Background(), host, port)
	require.ErrorIs(t, err, ErrConnect)
	role, ok := RoleOf(err)
	require.True(t, ok)
	require.Equal(t, RoleDialer, role)
	require.Equal(t, 0, rec.count(event.KindConnectedToPeer))
}

func TestDialerStop(t *testing.T) {
	bus := event.NewBus()
	rec := record(bus, event.DialerKinds...)
	d := NewDialer(DialerConfig{Bus: bus, PollTimeout: testPollTimeout, PollInterval: testPollInterval})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return rec.count(event.KindDialerStarted) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	require.Equal(t, 1, rec.count(event.KindDialerStopped))

	_, err := d.Connect(context.Background(), "127.0.0.1", "1")
	require.Error(t, err)
}

func TestIsDisconnect(t *testing.T) {
	require.True(t, isDisconnect(io.EOF))
	require.True(t, isDisconnect(net.ErrClosed))
	require.False(t, isDisconnect(errors.New("boom")))
}

func TestListenerRejectsWhenFull(t *testing.T) {
	bus := event.NewBus()
	rec := record(bus, event.ListenerKinds...)
	l := NewListener(ListenerConfig{
		Addr:         "127.0.0.1:0",
		Bus:          bus,
		MaxConns:     1,
		PollTimeout:  testPollTimeout,
		PollInterval: testPollInterval,
	})
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		l.Close()
	})

	first, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	// The rejected connection is closed by the listener.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, 1, l.ConnectionCount())
	require.Equal(t, 1, rec.count(event.KindPeerConnected))
	require.Equal(t, 0, rec.count(event.KindPeerDisconnected))
}

func TestReadErrorIsFatal(t *testing.T) {
	d := NewDialer(DialerConfig{PollTimeout: testPollTimeout, PollInterval: testPollInterval})
	t.Cleanup(func() { d.Stop() })

	local, remote := net.Pipe()
	defer remote.Close()

	info, err := d.track(local)
	require.NoError(t, err)

	err = d.handle(readiness{id: info.Conn, err: errors.New("boom")})
	require.ErrorIs(t, err, ErrRead)
	require.Equal(t, 1, d.ConnectionCount(), "a fatal read leaves the entry in place")

	// The same report coming through the loop ends Run with a role-tagged error.
	d.poller.ready <- readiness{id: info.Conn, err: errors.New("boom")}
	err = d.Run(context.Background())
	require.ErrorIs(t, err, ErrRead)
	role, ok := RoleOf(err)
	require.True(t, ok)
	require.Equal(t, RoleDialer, role)
}

func TestPollerRefusesWatchAfterClose(t *testing.T) {
	p := newPoller()
	p.close()

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	require.False(t, p.watchConn(1, local))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	require.False(t, p.watchListener(ln))
}

func TestListenAfterClose(t *testing.T) {
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, l.Close())

	err := l.Listen()
	require.ErrorIs(t, err, ErrStopped)
	require.Nil(t, l.Addr())
}
