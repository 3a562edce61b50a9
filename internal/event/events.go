package event

import "github.com/1ureka/peermesh/internal/conntable"

// Kind is the closed set of events the loops can publish.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Listener role.
	KindListenerStarted
	KindListenerStopped
	KindPeerConnected
	KindPeerDisconnected
	KindPeerDataReceived
	KindPeerDataSent

	// Dialer role.
	KindDialerStarted
	KindDialerStopped
	KindConnectedToPeer
	KindDisconnectedFromPeer
	KindDialerDataReceived
	KindDialerDataSent
)

// ListenerKinds lists every Kind published by the listener role.
var ListenerKinds = []Kind{
	KindListenerStarted,
	KindListenerStopped,
	KindPeerConnected,
	KindPeerDisconnected,
	KindPeerDataReceived,
	KindPeerDataSent,
}

// DialerKinds lists every Kind published by the dialer role.
var DialerKinds = []Kind{
	KindDialerStarted,
	KindDialerStopped,
	KindConnectedToPeer,
	KindDisconnectedFromPeer,
	KindDialerDataReceived,
	KindDialerDataSent,
}

func (k Kind) String() string {
	switch k {
	case KindListenerStarted:
		return "listener_started"
	case KindListenerStopped:
		return "listener_stopped"
	case KindPeerConnected:
		return "peer_connected"
	case KindPeerDisconnected:
		return "peer_disconnected"
	case KindPeerDataReceived:
		return "peer_data_received"
	case KindPeerDataSent:
		return "peer_data_sent"
	case KindDialerStarted:
		return "dialer_started"
	case KindDialerStopped:
		return "dialer_stopped"
	case KindConnectedToPeer:
		return "connected_to_peer"
	case KindDisconnectedFromPeer:
		return "disconnected_from_peer"
	case KindDialerDataReceived:
		return "dialer_data_received"
	case KindDialerDataSent:
		return "dialer_data_sent"
	default:
		return "unknown"
	}
}

// Role returns "listener" or "dialer" depending on which role publishes k.
func (k Kind) Role() string {
	switch {
	case k >= KindListenerStarted && k <= KindPeerDataSent:
		return "listener"
	case k >= KindDialerStarted && k <= KindDialerDataSent:
		return "dialer"
	default:
		return "unknown"
	}
}

// Event is implemented by every payload type below.
type Event interface {
	Kind() Kind
}

// ConnInfo identifies the connection an event is about. Index is the table
// index at publish time and goes stale after any removal; Conn does not.
type ConnInfo struct {
	Index  int
	Conn   conntable.ConnID
	Remote string
}

// ---------------------------------------------------------------------------
// Listener role
// ---------------------------------------------------------------------------

type ListenerStarted struct{ Addr string }

type ListenerStopped struct{ Addr string }

type PeerConnected struct{ ConnInfo }

type PeerDisconnected struct{ ConnInfo }

// PeerDataReceived carries one read chunk. Data is owned by the event.
type PeerDataReceived struct {
	ConnInfo
	Data []byte
}

// PeerDataSent reports the bytes actually written, which may be short.
type PeerDataSent struct {
	ConnInfo
	Data  []byte
	Bytes int
}

func (ListenerStarted) Kind() Kind  { return KindListenerStarted }
func (ListenerStopped) Kind() Kind  { return KindListenerStopped }
func (PeerConnected) Kind() Kind    { return KindPeerConnected }
func (PeerDisconnected) Kind() Kind { return KindPeerDisconnected }
func (PeerDataReceived) Kind() Kind { return KindPeerDataReceived }
func (PeerDataSent) Kind() Kind     { return KindPeerDataSent }

// ---------------------------------------------------------------------------
// Dialer role
// ---------------------------------------------------------------------------

type DialerStarted struct{}

type DialerStopped struct{}

type ConnectedToPeer struct{ ConnInfo }

type DisconnectedFromPeer struct{ ConnInfo }

type DialerDataReceived struct {
	ConnInfo
	Data []byte
}

type DialerDataSent struct {
	ConnInfo
	Data  []byte
	Bytes int
}

func (DialerStarted) Kind() Kind        { return KindDialerStarted }
func (DialerStopped) Kind() Kind        { return KindDialerStopped }
func (ConnectedToPeer) Kind() Kind      { return KindConnectedToPeer }
func (DisconnectedFromPeer) Kind() Kind { return KindDisconnectedFromPeer }
func (DialerDataReceived) Kind() Kind   { return KindDialerDataReceived }
func (DialerDataSent) Kind() Kind       { return KindDialerDataSent }

// Info returns the ConnInfo carried by ev, if any.
func Info(ev Event) (ConnInfo, bool) {
	switch e := ev.(type) {
	case PeerConnected:
		return e.ConnInfo, true
	case PeerDisconnected:
		return e.ConnInfo, true
	case PeerDataReceived:
		return e.ConnInfo, true
	case PeerDataSent:
		return e.ConnInfo, true
	case ConnectedToPeer:
		return e.ConnInfo, true
	case DisconnectedFromPeer:
		return e.ConnInfo, true
	case DialerDataReceived:
		return e.ConnInfo, true
	case DialerDataSent:
		return e.ConnInfo, true
	default:
		return ConnInfo{}, false
	}
}

// Size returns the byte count carried by ev: the chunk length for received
// data, the written count for sent data, zero otherwise.
func Size(ev Event) int {
	switch e := ev.(type) {
	case PeerDataReceived:
		return len(e.Data)
	case DialerDataReceived:
		return len(e.Data)
	case PeerDataSent:
		return e.Bytes
	case DialerDataSent:
		return e.Bytes
	default:
		return 0
	}
}
