package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peermesh/internal/event"
)

func dialMonitor(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	addr, err := s.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, fmt.Sprintf("ws://%s/ws", addr), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestStreamsBusEvents(t *testing.T) {
	s := New("127.0.0.1:0")
	defer s.Close()
	conn := dialMonitor(t, s)

	listenerBus := event.NewBus()
	dialerBus := event.NewBus()
	s.Attach(listenerBus)
	s.Attach(dialerBus)

	listenerBus.Publish(event.PeerDataReceived{
		ConnInfo: event.ConnInfo{Index: 2, Conn: 7, Remote: "10.0.0.2:5000"},
		Data:     []byte("abc"),
	})
	dialerBus.Publish(event.DialerStarted{})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var rec Record
	require.NoError(t, conn.ReadJSON(&rec))
	require.Equal(t, "listener", rec.Role)
	require.Equal(t, "peer_data_received", rec.Kind)
	require.Equal(t, uint64(7), rec.Conn)
	require.Equal(t, 2, rec.Index)
	require.Equal(t, 3, rec.Bytes)
	require.Equal(t, "10.0.0.2:5000", rec.Remote)
	require.False(t, rec.Time.IsZero())

	require.NoError(t, conn.ReadJSON(&rec))
	require.Equal(t, "dialer", rec.Role)
	require.Equal(t, "dialer_started", rec.Kind)
}

func TestClientGoneIsRemoved(t *testing.T) {
	s := New("127.0.0.1:0")
	defer s.Close()
	conn := dialMonitor(t, s)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Publishing with no clients is a no-op.
	s.Publish(event.ListenerStarted{Addr: "x"})
}

func TestSlowClientIsDropped(t *testing.T) {
	s := New("127.0.0.1:0")

	slow := &client{send: make(chan Record, 1)}
	slow.send <- Record{}
	s.clients[slow] = struct{}{}

	s.Publish(event.DialerStopped{})
	require.Equal(t, 0, s.Clients())

	<-slow.send
	_, open := <-slow.send
	require.False(t, open, "send channel is closed on removal")
}

func TestNewRecordListenerAddr(t *testing.T) {
	rec := NewRecord(event.ListenerStarted{Addr: "127.0.0.1:8080"})
	require.Equal(t, "listener_started", rec.Kind)
	require.Equal(t, "127.0.0.1:8080", rec.Addr)
	require.Zero(t, rec.Conn)
}
