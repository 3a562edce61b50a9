package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishInvokesHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var calls []string
	for _, name := range []string{"h1", "h2", "h3"} {
		bus.Register(KindPeerConnected, func(Event) {
			calls = append(calls, name)
		})
	}

	bus.Publish(PeerConnected{ConnInfo{Index: 0, Conn: 1}})
	require.Equal(t, []string{"h1", "h2", "h3"}, calls)

	bus.Publish(PeerConnected{ConnInfo{Index: 0, Conn: 1}})
	require.Equal(t, []string{"h1", "h2", "h3", "h1", "h2", "h3"}, calls,
		"each handler must run exactly once per publish")
}

func TestPublishOnlyMatchingKind(t *testing.T) {
	bus := NewBus()

	var connected, disconnected int
	bus.Register(KindPeerConnected, func(Event) { connected++ })
	bus.Register(KindPeerDisconnected, func(Event) { disconnected++ })

	bus.Publish(PeerDisconnected{})
	bus.Publish(PeerDisconnected{})

	require.Equal(t, 0, connected)
	require.Equal(t, 2, disconnected)
}

func TestPublishUnknownKindIsNoop(t *testing.T) {
	bus := NewBus()
	require.NotPanics(t, func() {
		bus.Publish(DialerStarted{})
		bus.Publish(nil)
	})
	require.Equal(t, 0, bus.Handlers(KindDialerStarted))
}

func TestPublishDoesNotRecoverHandlerPanics(t *testing.T) {
	bus := NewBus()
	bus.Register(KindListenerStarted, func(Event) { panic("boom") })

	require.PanicsWithValue(t, "boom", func() {
		bus.Publish(ListenerStarted{Addr: "127.0.0.1:0"})
	})
}

func TestRegisterFromHandler(t *testing.T) {
	bus := NewBus()

	var late int
	bus.Register(KindDialerStopped, func(Event) {
		bus.Register(KindDialerStopped, func(Event) { late++ })
	})

	bus.Publish(DialerStopped{})
	require.Equal(t, 0, late, "handlers added during a publish only see later events")

	bus.Publish(DialerStopped{})
	require.Equal(t, 1, late)
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Register(KindPeerDataReceived, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				bus.Publish(PeerDataReceived{Data: []byte{1}})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 800, count)
}

func TestKindMetadata(t *testing.T) {
	testCases := []struct {
		kind Kind
		name string
		role string
	}{
		{KindListenerStarted, "listener_started", "listener"},
		{KindPeerDataSent, "peer_data_sent", "listener"},
		{KindDialerStarted, "dialer_started", "dialer"},
		{KindDialerDataSent, "dialer_data_sent", "dialer"},
		{KindUnknown, "unknown", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.name, tc.kind.String())
			require.Equal(t, tc.role, tc.kind.Role())
		})
	}

	for _, k := range ListenerKinds {
		require.Equal(t, "listener", k.Role())
	}
	for _, k := range DialerKinds {
		require.Equal(t, "dialer", k.Role())
	}
}

func TestInfoAndSize(t *testing.T) {
	info, ok := Info(DialerDataReceived{ConnInfo: ConnInfo{Index: 2, Conn: 7}, Data: []byte("abc")})
	require.True(t, ok)
	require.Equal(t, 2, info.Index)
	require.EqualValues(t, 7, info.Conn)
	require.Equal(t, 3, Size(DialerDataReceived{Data: []byte("abc")}))
	require.Equal(t, 5, Size(PeerDataSent{Bytes: 5}))

	_, ok = Info(ListenerStarted{})
	require.False(t, ok)
	require.Equal(t, 0, Size(ListenerStarted{}))
}
