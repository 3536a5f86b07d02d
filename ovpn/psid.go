package ovpn

import (
	"crypto/subtle"
	"fmt"
)

// protoSessionIDLen is the length in bytes of a ProtoSessionID.
const protoSessionIDLen = 8

// ProtoSessionID is a per-endpoint random session identifier,
// generated once at engine reset and immutable for the session's
// lifetime. Both sides' ids appear in every control packet.
type ProtoSessionID [protoSessionIDLen]byte

// String renders the session id as hex, for logging.
func (p ProtoSessionID) String() string {
	return fmt.Sprintf("%x", [protoSessionIDLen]byte(p))
}

// IsZero reports whether the session id is all-zero, i.e. not yet
// learned from the peer.
func (p ProtoSessionID) IsZero() bool {
	return p == ProtoSessionID{}
}

// Equal reports whether two session ids are the same, in constant
// time to avoid leaking timing information on the control path.
func (p ProtoSessionID) Equal(other ProtoSessionID) bool {
	return subtle.ConstantTimeCompare(p[:], other[:]) == 1
}

// newProtoSessionID draws a fresh random session id from rng.
func newProtoSessionID(rng Rng) (ProtoSessionID, error) {
	var id ProtoSessionID
	if _, err := rng.Read(id[:]); err != nil {
		return ProtoSessionID{}, fmt.Errorf("failed to generate session id: %v", err)
	}
	return id, nil
}
