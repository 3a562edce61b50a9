// Package peer implements the GUID handshake on top of the two network roles
// and wires a complete node together.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/peermesh/internal/conntable"
	"github.com/1ureka/peermesh/internal/event"
	"github.com/1ureka/peermesh/internal/network"
	"github.com/1ureka/peermesh/internal/protocol"
	"github.com/1ureka/peermesh/internal/registry"
	"github.com/1ureka/peermesh/internal/util"
)

var ErrUnknownPeer = errors.New("peer: no connection to peer")

// State is where a node is in acquiring its own GUID.
type State int

const (
	StateUnidentified State = iota // joiner waiting for ACCEPT
	StateSeeded                    // host generated its own GUID
	StateIdentified                // joiner adopted a GUID from ACCEPT
)

func (s State) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateSeeded:
		return "seeded"
	case StateIdentified:
		return "identified"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender writes to a connection of one role's table.
type Sender interface {
	SendTo(id conntable.ConnID, b []byte) (int, error)
}

// Outbound is the dialer side as seen by the controller.
type Outbound interface {
	Sender
	ConnectionCount() int
	LocalAddr(id conntable.ConnID) (net.Addr, bool)
}

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	ListenerBus *event.Bus
	DialerBus   *event.Bus
	Listener    Sender
	Dialer      Outbound
	Registry    *registry.Registry

	// AdvertiseHost is sent in HELLO. When empty, the local host of the
	// outbound connection is used.
	AdvertiseHost string
	ListenPort    string

	// Announcer receives join notifications. Defaults to logging them.
	Announcer Announcer

	// Fatal is called when the node cannot continue. Defaults to logging.
	Fatal func(error)
}

// Controller reacts to both roles' events: the host side hands out GUIDs to
// HELLO senders, the joiner side adopts the GUID from the first ACCEPT.
type Controller struct {
	cfg ControllerConfig
	reg *registry.Registry

	mu    sync.Mutex
	state State

	helloSent atomic.Bool
}

// NewController registers the controller's handlers on both buses.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Announcer == nil {
		cfg.Announcer = LogAnnouncer{}
	}
	if cfg.Fatal == nil {
		cfg.Fatal = func(err error) { util.LogError("%v", err) }
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.DefaultCapacity, nil)
	}

	c := &Controller{cfg: cfg, reg: cfg.Registry}
	c.registerListenerHandlers(cfg.ListenerBus)
	c.registerDialerHandlers(cfg.DialerBus)
	return c
}

// Seed generates this node's own GUID. Only a host seeds; a joiner waits
// for ACCEPT instead.
func (c *Controller) Seed() protocol.GUID {
	g := c.reg.GenerateGUID()
	c.reg.SetLocalGUID(g)

	c.mu.Lock()
	c.state = StateSeeded
	c.mu.Unlock()

	util.LogInfo("seeded own GUID %d", g)
	return g
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GUID returns this node's GUID once it has one.
func (c *Controller) GUID() (protocol.GUID, bool) {
	return c.reg.LocalGUID()
}

func (c *Controller) Registry() *registry.Registry { return c.reg }

// SendPeer writes b to the peer with the given GUID, over the outbound
// connection when there is one and the inbound one otherwise.
func (c *Controller) SendPeer(guid protocol.GUID, b []byte) (int, error) {
	entry, ok := c.reg.FindByGUID(guid)
	switch {
	case ok && entry.DialerConn != 0 && c.cfg.Dialer != nil:
		return c.cfg.Dialer.SendTo(entry.DialerConn, b)
	case ok && entry.ListenerConn != 0 && c.cfg.Listener != nil:
		return c.cfg.Listener.SendTo(entry.ListenerConn, b)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownPeer, guid)
	}
}

// ---------------------------------------------------------------------------
// Handler registration
// ---------------------------------------------------------------------------

func (c *Controller) registerListenerHandlers(bus *event.Bus) {
	if bus == nil {
		return
	}
	bus.Register(event.KindListenerStarted, func(ev event.Event) {
		util.LogSuccess("listener running on %s", ev.(event.ListenerStarted).Addr)
	})
	bus.Register(event.KindListenerStopped, func(ev event.Event) {
		util.LogInfo("listener on %s stopped", ev.(event.ListenerStopped).Addr)
	})
	bus.Register(event.KindPeerConnected, func(ev event.Event) {
		e := ev.(event.PeerConnected)
		util.LogInfo("peer connection %d opened from %s", e.Conn, e.Remote)
	})
	bus.Register(event.KindPeerDisconnected, func(ev event.Event) {
		e := ev.(event.PeerDisconnected)
		util.LogInfo("peer connection %d from %s closed", e.Conn, e.Remote)
	})
	bus.Register(event.KindPeerDataReceived, func(ev event.Event) {
		e := ev.(event.PeerDataReceived)
		c.handleMessage(network.RoleListener, e.ConnInfo, e.Data)
	})
	bus.Register(event.KindPeerDataSent, func(ev event.Event) {
		e := ev.(event.PeerDataSent)
		util.Logf("sent to peer", "conn", e.Conn, "bytes", e.Bytes)
	})
}

func (c *Controller) registerDialerHandlers(bus *event.Bus) {
	if bus == nil {
		return
	}
	bus.Register(event.KindDialerStarted, func(event.Event) {
		util.LogInfo("dialer running")
	})
	bus.Register(event.KindDialerStopped, func(event.Event) {
		util.LogInfo("dialer stopped")
	})
	bus.Register(event.KindConnectedToPeer, func(ev event.Event) {
		e := ev.(event.ConnectedToPeer)
		util.LogInfo("connection %d to %s opened", e.Conn, e.Remote)
		c.onConnected(e.ConnInfo)
	})
	bus.Register(event.KindDisconnectedFromPeer, func(ev event.Event) {
		e := ev.(event.DisconnectedFromPeer)
		util.LogInfo("connection %d to %s closed", e.Conn, e.Remote)
	})
	bus.Register(event.KindDialerDataReceived, func(ev event.Event) {
		e := ev.(event.DialerDataReceived)
		c.handleMessage(network.RoleDialer, e.ConnInfo, e.Data)
	})
	bus.Register(event.KindDialerDataSent, func(ev event.Event) {
		e := ev.(event.DialerDataSent)
		util.Logf("sent upstream", "conn", e.Conn, "bytes", e.Bytes)
	})
}

// ---------------------------------------------------------------------------
// Message handling
// ---------------------------------------------------------------------------

// handleMessage decodes one read chunk. Undecodable input is dropped.
func (c *Controller) handleMessage(role network.Role, info event.ConnInfo, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		util.LogDebug("%s: ignoring %d bytes from %s: %v", role, len(data), info.Remote, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Hello:
		if role == network.RoleListener {
			c.acceptPeer(info, m)
			return
		}
	case protocol.Accept:
		if role == network.RoleDialer {
			c.adopt(info, m)
			return
		}
	case protocol.Join:
		c.relay(m)
		return
	}
	util.LogDebug("%s: ignoring %s from %s", role, msg.MessageHeader().Type, info.Remote)
}

// acceptPeer assigns a fresh GUID to the sender of HELLO.
func (c *Controller) acceptPeer(info event.ConnInfo, hello protocol.Hello) {
	own, ok := c.reg.LocalGUID()
	if !ok {
		util.LogWarning("HELLO from %s before this node has a GUID, ignoring", info.Remote)
		return
	}

	g := c.reg.GenerateGUID()
	if err := c.reg.AttachListener(g, info.Conn); err != nil {
		c.fatal(network.RoleListener, err)
		return
	}

	buf, err := protocol.Encode(protocol.NewAccept(own, g))
	if err != nil {
		c.fatal(network.RoleListener, err)
		return
	}
	if !c.send(network.RoleListener, c.cfg.Listener, info, buf) {
		return
	}
	util.LogSuccess("accepted peer %d at %s:%s", g, hello.Host, hello.Port)

	seen := protocol.NewGuidList(0)
	_ = seen.Add(own)
	c.cfg.Announcer.Announce(protocol.NewJoin(own, seen, g, hello.Host, hello.Port))
}

// adopt takes the GUID assigned by the first ACCEPT. Later ones are ignored.
func (c *Controller) adopt(info event.ConnInfo, accept protocol.Accept) {
	c.mu.Lock()
	if c.state != StateUnidentified {
		state := c.state
		c.mu.Unlock()
		util.LogWarning("ACCEPT from peer %d ignored, node is already %s", accept.Sender, state)
		return
	}
	c.state = StateIdentified
	c.mu.Unlock()

	c.reg.SetLocalGUID(accept.NewGUID)
	util.LogSuccess("assigned GUID %d", accept.NewGUID)

	if err := c.reg.AttachDialer(accept.Sender, info.Conn); err != nil {
		c.fatal(network.RoleDialer, err)
		return
	}
	util.LogInfo("met peer %d", accept.Sender)
}

// relay marks a forwarded message as seen by this node and passes it on.
func (c *Controller) relay(join protocol.Join) {
	if !join.Forwarded {
		return
	}
	if own, ok := c.reg.LocalGUID(); ok {
		if err := join.Seen.Add(own); err != nil {
			util.LogWarning("forwarded JOIN for peer %d: %v", join.Joined, err)
		}
	}
	c.cfg.Announcer.Announce(join)
}

// onConnected sends HELLO on the first outbound connection only.
func (c *Controller) onConnected(info event.ConnInfo) {
	if c.cfg.Dialer == nil || c.cfg.Dialer.ConnectionCount() != 1 {
		return
	}
	if !c.helloSent.CompareAndSwap(false, true) {
		return
	}

	host := c.cfg.AdvertiseHost
	if host == "" {
		if addr, ok := c.cfg.Dialer.LocalAddr(info.Conn); ok {
			host, _, _ = net.SplitHostPort(addr.String())
		}
	}

	buf, err := protocol.Encode(protocol.NewHello(host, c.cfg.ListenPort))
	if err != nil {
		c.fatal(network.RoleDialer, err)
		return
	}
	c.send(network.RoleDialer, c.cfg.Dialer, info, buf)
}

// send reports whether buf was written. A vanished connection is only
// logged; any other failure is fatal.
func (c *Controller) send(role network.Role, s Sender, info event.ConnInfo, buf []byte) bool {
	if s == nil {
		return false
	}
	if _, err := s.SendTo(info.Conn, buf); err != nil {
		if errors.Is(err, network.ErrUnknownConn) {
			util.LogWarning("%s: connection %d to %s is gone", role, info.Conn, info.Remote)
			return false
		}
		c.fatal(role, err)
		return false
	}
	return true
}

func (c *Controller) fatal(role network.Role, err error) {
	if _, ok := network.RoleOf(err); !ok {
		err = &network.Error{Role: role, Err: err}
	}
	c.cfg.Fatal(err)
}
