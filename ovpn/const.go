package ovpn

import "time"

// opcode identifies the type of an OpenVPN packet, carried in the
// high 5 bits of the first packet byte.
type opcode uint8

// Packet opcodes.
const (
	opcodeControlSoftResetV1       opcode = 3
	opcodeControlV1                opcode = 4
	opcodeAckV1                    opcode = 5
	opcodeDataV1                   opcode = 6
	opcodeControlHardResetClientV2 opcode = 7
	opcodeControlHardResetServerV2 opcode = 8
	opcodeDataV2                   opcode = 9
	opcodeControlHardResetClientV3 opcode = 10
	opcodeControlWkcV1             opcode = 11
)

func (o opcode) String() string {
	switch o {
	case opcodeControlSoftResetV1:
		return "CONTROL_SOFT_RESET_V1"
	case opcodeControlV1:
		return "CONTROL_V1"
	case opcodeAckV1:
		return "ACK_V1"
	case opcodeDataV1:
		return "DATA_V1"
	case opcodeControlHardResetClientV2:
		return "CONTROL_HARD_RESET_CLIENT_V2"
	case opcodeControlHardResetServerV2:
		return "CONTROL_HARD_RESET_SERVER_V2"
	case opcodeDataV2:
		return "DATA_V2"
	case opcodeControlHardResetClientV3:
		return "CONTROL_HARD_RESET_CLIENT_V3"
	case opcodeControlWkcV1:
		return "CONTROL_WKC_V1"
	}
	return "UNKNOWN"
}

const (
	// opcodeShift is the bit position of the opcode field within the
	// packet header byte; the low bits carry the key id.
	opcodeShift = 3
	// keyIDMask masks the 3-bit key id field of the header byte.
	keyIDMask = 0x7
)

// KeyID identifies a KeyContext on the wire (a 3-bit field, 0..7); a
// single ProtoEngine holds at most two live KeyContexts at a time.
type KeyID uint8

// maxKeyID is the largest value KeyID's 3-bit wire field can carry.
const maxKeyID KeyID = 7

func packHeader(op opcode, keyID KeyID) byte {
	return byte(op)<<opcodeShift | byte(keyID)&keyIDMask
}

func unpackHeader(b byte) (op opcode, keyID KeyID) {
	return opcode(b >> opcodeShift), KeyID(b & keyIDMask)
}

// Mode distinguishes client and server roles for a ProtoEngine.
type Mode int

const (
	// ModeClient runs the engine in the initiating (client/LAC-like) role.
	ModeClient Mode = iota
	// ModeServer runs the engine in the responding (server) role.
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// CtrlWrapMode selects the control channel wrapping scheme.
type CtrlWrapMode int

const (
	// CtrlWrapPlain sends control packets without authentication or
	// encryption beyond what the TLS handshake itself provides.
	CtrlWrapPlain CtrlWrapMode = iota
	// CtrlWrapTLSAuth HMAC-wraps control packets using a static key.
	CtrlWrapTLSAuth
	// CtrlWrapTLSCrypt HMAC-authenticates and encrypts control packets
	// using a static key.
	CtrlWrapTLSCrypt
	// CtrlWrapTLSCryptV2 is CtrlWrapTLSCrypt with a per-client wrapped
	// key delivered in the client's first packet.
	CtrlWrapTLSCryptV2
)

// DataCipherFamily selects the data channel cipher family.
type DataCipherFamily int

const (
	// DataCipherAEAD covers AES-GCM and CHACHA20-POLY1305.
	DataCipherAEAD DataCipherFamily = iota
	// DataCipherCBCHMAC covers legacy CBC ciphers authenticated with a
	// separate HMAC.
	DataCipherCBCHMAC
)

// IV_PROTO bits advertised in the client peer-info block.
const (
	ivProtoDataV2        = 1 << 1
	ivProtoRequestPush   = 1 << 2
	ivProtoTLSKeyExport  = 1 << 3
	ivProtoAuthPendingKW = 1 << 4
	ivProtoDNSOption     = 1 << 6
	ivProtoCCExitNotify  = 1 << 7
	ivProtoAuthFailTemp  = 1 << 8
	ivProtoDynTLSCrypt   = 1 << 9
)

// Early-negotiation TLV type/flag values.
const (
	earlyNegFlags         uint16 = 0x0001
	earlyNegFlagResendWKC uint16 = 0x0001
)

// keepalivePayload is the fixed 16-byte ping payload sent on the data
// channel as a keepalive, matching the literal constant from the
// OpenVPN wire protocol.
var keepalivePayload = [16]byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// explicitExitNotifyPayload is the fixed data-channel sentinel sent on
// graceful disconnect when the peer has not advertised CC_EXIT_NOTIFY.
var explicitExitNotifyPayload = [4]byte{0x28, 0xd8, 0x61, 0x02}

// appMsgMax is the largest application control message the engine will
// queue for transmission; ControlSend rejects anything larger.
const appMsgMax = 65536

// ivVer is the version string advertised as IV_VER in the peer-info
// block.
const ivVer = "2.6.0"

// defaultBS64DataLimit is the default per-direction byte limit for
// 64-bit-block ciphers (Blowfish, 3DES) before a renegotiation is
// scheduled. The real limit is build-configurable in the reference
// implementation; EngineConfig carries it as a tunable rather than a
// literal.
const defaultBS64DataLimit = uint64(1) << 26

// defaultHandshakeWindow is the default deadline for a KeyContext to
// reach ACTIVE from construction.
const defaultHandshakeWindow = 60 * time.Second

// defaultRenegotiate is the default wall-clock interval between
// renegotiations of the data channel keys.
const defaultRenegotiate = 3600 * time.Second

// defaultBecomePrimary is the default delay after a secondary
// KeyContext reaches ACTIVE before it swaps to become primary.
const defaultBecomePrimary = 5 * time.Second

// defaultTLSTimeout is the starting retransmit timeout for the
// control-channel reliability layer.
const defaultTLSTimeout = 2 * time.Second

// defaultReplayWindow is the default receive replay window size for
// the data channel ("W≈64" for UDP).
const defaultReplayWindow = 64

// packetIDWrapWarningMark is the high-water mark
// above which PacketIDSend raises its wrap-warning flag so the engine
// can force a renegotiation well before wraparound.
const packetIDWrapWarningMark uint32 = 0xff000000
