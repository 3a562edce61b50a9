package util

import (
	"hash/fnv"
	"net"
)

// ConnFingerprint hashes a connection's local and remote addresses into a
// short tag for log lines. It is not unique and never used as a key.
func ConnFingerprint(conn net.Conn) uint32 {
	h := fnv.New32a()
	if a := conn.LocalAddr(); a != nil {
		h.Write([]byte(a.String()))
	}
	if a := conn.RemoteAddr(); a != nil {
		h.Write([]byte(a.String()))
	}
	return h.Sum32()
}
