// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net"
)

// ShortHash computes a 4-byte hash over the given strings. The hash is used
// solely for log prefixes and does not need to be reversible.
func ShortHash(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return h.Sum32()
}

// ConnTag hashes a TCP connection's 4-tuple (local IP, local port, remote IP,
// remote port) into a log tag.
func ConnTag(conn net.Conn) uint32 {
	return ShortHash(conn.LocalAddr().String(), conn.RemoteAddr().String())
}
