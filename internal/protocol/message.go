// Package protocol defines the peer messages and their binary wire format.
package protocol

// GUID names a peer within a process's known-peer set.
type GUID uint32

// MaxGUID is the largest GUID ever generated.
const MaxGUID GUID = 2147483647

// Type is the 15-bit message type carried in the header.
type Type uint16

// Message type constants.
const (
	TypeHello   Type = 0 // Joiner announces its own listen address
	TypeJoin    Type = 1 // Forward envelope carrying a join notification
	TypeWelcome Type = 2 // Reserved, never produced
	TypeAccept  Type = 3 // Host assigns a GUID to the joiner
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeJoin:
		return "JOIN"
	case TypeWelcome:
		return "WELCOME"
	case TypeAccept:
		return "ACCEPT"
	default:
		return "UNKNOWN"
	}
}

// Wire sizes.
const (
	HeaderSize     = 6   // Type|Forwarded(2) + SenderGUID(4)
	MaxMessageSize = 256 // one message per socket read
	MaxStringLen   = 255 // strings are prefixed by a single length byte
)

const (
	typeMask     uint16 = 0x7FFF
	forwardedBit uint16 = 0x8000
)

// Header precedes every message.
type Header struct {
	Type      Type
	Forwarded bool
	Sender    GUID
}

// Message is implemented by Hello, Accept and Join.
type Message interface {
	MessageHeader() Header
}

// Hello is sent by a joiner on its first outbound connection.
type Hello struct {
	Header
	Host string
	Port string
}

// Accept is the host's reply assigning NewGUID to the joiner. The host's own
// GUID travels in Header.Sender.
type Accept struct {
	Header
	NewGUID GUID
}

// Join is the forward envelope announcing a membership change. Seen lists the
// peers that already saw the message.
type Join struct {
	Header
	Seen   GuidList
	Joined GUID
	Host   string
	Port   string
}

func (m Hello) MessageHeader() Header  { return m.Header }
func (m Accept) MessageHeader() Header { return m.Header }
func (m Join) MessageHeader() Header   { return m.Header }

// NewHello builds the announcement of the sender's own listen address.
func NewHello(host, port string) Hello {
	return Hello{
		Header: Header{Type: TypeHello},
		Host:   host,
		Port:   port,
	}
}

// NewAccept builds the host's reply assigning newGUID.
func NewAccept(sender, newGUID GUID) Accept {
	return Accept{
		Header:  Header{Type: TypeAccept, Sender: sender},
		NewGUID: newGUID,
	}
}

// NewJoin builds a join notification for the peer joined at host:port. The
// seen list is copied; a nil list starts empty.
func NewJoin(sender GUID, seen *GuidList, joined GUID, host, port string) Join {
	m := Join{
		Header: Header{Type: TypeJoin, Forwarded: true, Sender: sender},
		Joined: joined,
		Host:   host,
		Port:   port,
	}
	if seen != nil {
		m.Seen = seen.Clone()
	}
	return m
}
