// Package dco implements a client for the Linux ovpn-dco kernel
// module's generic netlink control interface. ovpn-dco moves data
// channel encryption and tun-device I/O into the kernel once a
// ProtoEngine has finished negotiating keys; this package is purely
// an optional accelerator wired onto the already-negotiated state,
// never a replacement for ovpn's own control-channel/negotiation
// logic. Tun devices and OS transport sockets remain host/kernel
// concerns this package never touches directly.
package dco

// GenlName is the generic netlink family name the ovpn-dco kernel
// module registers.
const (
	GenlName    = "ovpn-dco"
	GenlVersion = 0x1
)

// Commands supported by the ovpn-dco generic netlink family.
const (
	CmdNoop = iota
	CmdNewPeer
	CmdDelPeer
	CmdNewKey
	CmdDelKey
	CmdSwapKeys
	CmdSetPeer
	CmdPacket
)

// Top-level attributes of an ovpn-dco generic netlink message.
const (
	AttrNone = iota
	AttrIfindex
	AttrPeer
	AttrKeyconf
)

// Peer attributes, nested under AttrPeer.
const (
	AttrPeerNone = iota
	AttrPeerID
	AttrPeerRemoteIPv4
	AttrPeerRemoteIPv6
	AttrPeerRemotePort
	AttrPeerKeepaliveInterval
	AttrPeerKeepaliveTimeout
)

// Key config attributes, nested under AttrKeyconf.
const (
	AttrKeyconfNone = iota
	AttrKeyconfPeerID
	AttrKeyconfSlot
	AttrKeyconfKeyID
	AttrKeyconfCipherAlg
	AttrKeyconfEncryptKey
	AttrKeyconfDecryptKey
	AttrKeyconfEncryptNonce
	AttrKeyconfDecryptNonce
)

// KeySlot selects which of the two kernel-side key slots (primary or
// secondary) a CmdNewKey/CmdSwapKeys call addresses, mirroring the
// primary and secondary KeyContexts held by an ovpn.ProtoEngine.
type KeySlot uint8

const (
	KeySlotPrimary KeySlot = iota
	KeySlotSecondary
)
