// Package peer defines the identity of a remote endpoint.
package peer

import (
	"strings"

	"github.com/google/uuid"

	"github.com/1ureka/chanmux/internal/util"
)

// ID is a stable, unique peer identity. IDs compare byte-lexicographically.
type ID string

// New generates a random identity.
func New() ID {
	return ID(uuid.NewString())
}

// Parse validates a textual identity received from signaling or config.
func Parse(s string) (ID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return ID(s), true
}

// Compare returns -1, 0 or +1 comparing a and b byte by byte.
func Compare(a, b ID) int {
	return strings.Compare(string(a), string(b))
}

// Short returns a 4-byte tag for log prefixes.
func (id ID) Short() uint32 {
	return util.ShortHash(string(id))
}

func (id ID) String() string { return string(id) }
