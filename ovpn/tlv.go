package ovpn

import (
	"encoding/binary"
	"fmt"
)

// earlyNegTLV is one type-length-value record carried in the early
// negotiation extension appended to a CONTROL_HARD_RESET_CLIENT_V3
// packet.
type earlyNegTLV struct {
	typ   uint16
	value []byte
}

const earlyNegTLVHeaderLen = 4 // type(2) + length(2)

// earlyNegTLVType values.
const (
	earlyNegTLVTypeFlags uint16 = 1
)

// parseEarlyNegTLVs parses a sequence of TLV records from b, stopping
// at the first malformed record rather than returning a partial list,
// since a truncated extension indicates a corrupt or hostile packet.
func parseEarlyNegTLVs(b []byte) ([]earlyNegTLV, error) {
	var out []earlyNegTLV
	for len(b) > 0 {
		if len(b) < earlyNegTLVHeaderLen {
			return nil, fmt.Errorf("truncated early-neg tlv header")
		}
		typ := binary.BigEndian.Uint16(b[0:2])
		length := binary.BigEndian.Uint16(b[2:4])
		b = b[earlyNegTLVHeaderLen:]
		if int(length) > len(b) {
			return nil, fmt.Errorf("truncated early-neg tlv value")
		}
		out = append(out, earlyNegTLV{typ: typ, value: append([]byte(nil), b[:length]...)})
		b = b[length:]
	}
	return out, nil
}

// marshalEarlyNegTLVs renders a sequence of TLV records back to wire
// form.
func marshalEarlyNegTLVs(tlvs []earlyNegTLV) []byte {
	var out []byte
	for _, t := range tlvs {
		var hdr [earlyNegTLVHeaderLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], t.typ)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(t.value)))
		out = append(out, hdr[:]...)
		out = append(out, t.value...)
	}
	return out
}

// earlyNegFlagsFrom extracts the EARLY_NEG_FLAGS value from a parsed
// TLV list, if present.
func earlyNegFlagsFrom(tlvs []earlyNegTLV) (flags uint16, ok bool) {
	for _, t := range tlvs {
		if t.typ == earlyNegTLVTypeFlags && len(t.value) >= 2 {
			return binary.BigEndian.Uint16(t.value), true
		}
	}
	return 0, false
}

// newEarlyNegFlagsTLV builds the EARLY_NEG_FLAGS TLV this engine
// advertises: EARLY_NEG_FLAG_RESEND_WKC whenever the caller requests
// the peer resend its wrapped client key.
func newEarlyNegFlagsTLV(resendWKc bool) earlyNegTLV {
	var flags uint16
	if resendWKc {
		flags |= earlyNegFlagResendWKC
	}
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], flags)
	return earlyNegTLV{typ: earlyNegTLVTypeFlags, value: v[:]}
}
