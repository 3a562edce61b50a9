package peer

import (
	"github.com/1ureka/peermesh/internal/protocol"
	"github.com/1ureka/peermesh/internal/util"
)

// Announcer decides what happens to a join notification: the one a host
// builds after accepting a peer, and forwarded ones this node received.
// No delivery to other peers happens unless an Announcer does it.
type Announcer interface {
	Announce(join protocol.Join)
}

// AnnouncerFunc adapts a function to Announcer.
type AnnouncerFunc func(join protocol.Join)

func (f AnnouncerFunc) Announce(join protocol.Join) { f(join) }

// LogAnnouncer only logs notifications.
type LogAnnouncer struct{}

func (LogAnnouncer) Announce(join protocol.Join) {
	util.LogInfo("peer %d joined at %s:%s (seen by %v)",
		join.Joined, join.Host, join.Port, join.Seen.GUIDs())
}
