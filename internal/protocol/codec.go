package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortBuffer     = errors.New("protocol: buffer too short")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrMalformed       = errors.New("protocol: malformed message")
	ErrMessageTooLarge = errors.New("protocol: message exceeds read buffer")
	ErrStringTooLong   = errors.New("protocol: string too long")
)

// Encode serializes m into its wire form. The header type is derived from the
// concrete message, not from the Type field the caller set.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, MaxMessageSize)
	var err error

	switch msg := m.(type) {
	case Hello:
		buf = appendHeader(buf, TypeHello, msg.Header)
		if buf, err = appendString(buf, msg.Host); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, msg.Port); err != nil {
			return nil, err
		}

	case Accept:
		buf = appendHeader(buf, TypeAccept, msg.Header)
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.NewGUID))

	case Join:
		buf = appendHeader(buf, TypeJoin, msg.Header)
		if msg.Seen.Len() > GuidListCapacity {
			return nil, fmt.Errorf("%w: %d seen guids (max %d)", ErrMalformed, msg.Seen.Len(), GuidListCapacity)
		}
		buf = append(buf, byte(msg.Seen.Len()))
		for _, g := range msg.Seen.guids {
			buf = binary.BigEndian.AppendUint32(buf, uint32(g))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.Joined))
		if buf, err = appendString(buf, msg.Host); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, msg.Port); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(buf), MaxMessageSize)
	}
	return buf, nil
}

// DecodeHeader reads only the fixed header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortBuffer, len(data), HeaderSize)
	}
	tf := binary.BigEndian.Uint16(data[0:2])
	return Header{
		Type:      Type(tf & typeMask),
		Forwarded: tf&forwardedBit != 0,
		Sender:    GUID(binary.BigEndian.Uint32(data[2:6])),
	}, nil
}

// Decode reads the header, then interprets the body according to its type.
// Bytes following the message are ignored.
func Decode(data []byte) (Message, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	r := reader{buf: data[HeaderSize:]}

	switch h.Type {
	case TypeHello:
		m := Hello{Header: h}
		m.Host = r.string()
		m.Port = r.string()
		if r.err != nil {
			return nil, r.err
		}
		return m, nil

	case TypeAccept:
		m := Accept{Header: h}
		m.NewGUID = GUID(r.uint32())
		if r.err != nil {
			return nil, r.err
		}
		return m, nil

	case TypeJoin:
		m := Join{Header: h}
		n := int(r.uint8())
		if r.err == nil && n > GuidListCapacity {
			return nil, fmt.Errorf("%w: %d seen guids (max %d)", ErrMalformed, n, GuidListCapacity)
		}
		for i := 0; i < n && r.err == nil; i++ {
			m.Seen.guids = append(m.Seen.guids, GUID(r.uint32()))
		}
		m.Joined = GUID(r.uint32())
		m.Host = r.string()
		m.Port = r.string()
		if r.err != nil {
			return nil, r.err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
}

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

func appendHeader(buf []byte, t Type, h Header) []byte {
	tf := uint16(t) & typeMask
	if h.Forwarded {
		tf |= forwardedBit
	}
	buf = binary.BigEndian.AppendUint16(buf, tf)
	return binary.BigEndian.AppendUint32(buf, uint32(h.Sender))
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrStringTooLong, len(s), MaxStringLen)
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...), nil
}

// reader consumes big-endian fields with bounds checks. After the first
// failure every read returns zero and err keeps the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrMalformed, n, HeaderSize+r.off, HeaderSize+len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() string {
	n := int(r.uint8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}
