package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peermesh/internal/config"
	"github.com/1ureka/peermesh/internal/network"
	"github.com/1ureka/peermesh/internal/protocol"
)

func testConfig(role config.Role) config.Config {
	cfg := config.Default()
	cfg.Role = role
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DialTimeout = time.Second
	return cfg
}

// runNode starts fn in the background and returns a stop function that
// cancels it and returns its error.
func runNode(t *testing.T, fn func(ctx context.Context) error) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("node did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

func waitForListener(t *testing.T, n *Node) net.Addr {
	t.Helper()
	require.Eventually(t, func() bool { return n.ListenAddr() != nil }, 2*time.Second, 5*time.Millisecond)
	return n.ListenAddr()
}

func TestHandshakeOverLoopback(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)

	var mu sync.Mutex
	var announced []protocol.Join

	host, err := NewNode(testConfig(config.RoleHost),
		WithRand(scripted(5, 77)),
		WithMetricSink(sink),
		WithAnnouncer(AnnouncerFunc(func(j protocol.Join) {
			mu.Lock()
			announced = append(announced, j)
			mu.Unlock()
		})),
	)
	require.NoError(t, err)
	stopHost := runNode(t, host.Host)
	hostAddr := waitForListener(t, host)

	joinCfg := testConfig(config.RoleJoin)
	joinCfg.PeerAddr = hostAddr.String()
	joiner, err := NewNode(joinCfg)
	require.NoError(t, err)

	h, p, err := net.SplitHostPort(hostAddr.String())
	require.NoError(t, err)
	stopJoiner := runNode(t, func(ctx context.Context) error { return joiner.Join(ctx, h, p) })

	require.Eventually(t, func() bool {
		g, ok := joiner.Controller().GUID()
		return ok && g == 77
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StateIdentified, joiner.Controller().State())

	hostGUID, ok := host.Controller().GUID()
	require.True(t, ok)
	require.Equal(t, protocol.GUID(5), hostGUID)

	entry, ok := joiner.Controller().Registry().FindByGUID(5)
	require.True(t, ok)
	require.NotZero(t, entry.DialerConn)

	entry, ok = host.Controller().Registry().FindByGUID(77)
	require.True(t, ok)
	require.NotZero(t, entry.ListenerConn)

	mu.Lock()
	require.Len(t, announced, 1)
	require.Equal(t, protocol.GUID(77), announced[0].Joined)
	require.Equal(t, "127.0.0.1", announced[0].Host)
	mu.Unlock()

	require.Equal(t, 1, host.Listener().ConnectionCount())
	require.Equal(t, 1, joiner.Dialer().ConnectionCount())

	require.NoError(t, stopJoiner())
	require.Eventually(t, func() bool {
		return host.Listener().ConnectionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stopHost())
	require.Equal(t, 0, host.Pool().Pending())
}

func TestJoinUnreachablePeerFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(config.RoleJoin)
	cfg.PeerAddr = addr
	n, err := NewNode(cfg)
	require.NoError(t, err)

	h, p, _ := net.SplitHostPort(addr)
	err = n.Join(context.Background(), h, p)
	require.ErrorIs(t, err, network.ErrConnect)

	role, ok := network.RoleOf(err)
	require.True(t, ok)
	require.Equal(t, network.RoleDialer, role)
	require.Equal(t, StateUnidentified, n.Controller().State())
}

func TestHostAddressInUseFails(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(config.RoleHost)
	cfg.ListenAddr = taken.Addr().String()
	n, err := NewNode(cfg)
	require.NoError(t, err)

	err = n.Host(context.Background())
	require.ErrorIs(t, err, network.ErrListen)
	role, _ := network.RoleOf(err)
	require.Equal(t, network.RoleListener, role)

	require.ErrorIs(t, n.Host(context.Background()), ErrAlreadyRunning)
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(config.RoleHost)
	cfg.MaxWorkers = 0
	_, err := NewNode(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = NewNode(testConfig(config.RoleHost), WithAnnouncer(nil))
	require.Error(t, err)
}
