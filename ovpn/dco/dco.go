package dco

import (
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// InterfaceIndex resolves a tun device name (created by the host,
// never by this package; see package doc) to the ifindex the rest of
// this package's calls expect.
func InterfaceIndex(name string) (int, error) {
	idx, err := unix.IfNameToIndex(name)
	if err != nil {
		return 0, fmt.Errorf("dco: resolve interface %q: %v", name, err)
	}
	return int(idx), nil
}

// PeerConfig describes the remote endpoint a kernel ovpn-dco peer
// entry should forward data channel traffic to, once negotiation has
// established it at the ovpn protocol layer.
type PeerConfig struct {
	PeerID            uint32
	RemoteAddr        net.IP
	RemotePort        uint16
	KeepaliveInterval uint32
	KeepaliveTimeout  uint32
}

// KeyConfig installs one directional pair of data channel keys into a
// kernel-side slot for a peer, derived from a KeyContext's
// already-negotiated key material; ovpn-dco itself
// only ever sees the resulting bytes, never negotiates them.
type KeyConfig struct {
	PeerID       uint32
	Slot         KeySlot
	KeyID        uint8
	CipherAlg    string
	EncryptKey   []byte
	DecryptKey   []byte
	EncryptNonce []byte
	DecryptNonce []byte
}

// Conn is a generic netlink connection to the ovpn-dco kernel module.
type Conn struct {
	family genetlink.Family
	conn   *genetlink.Conn
}

// Dial opens a new generic netlink connection to the ovpn-dco family.
// It returns an error if the kernel module is not loaded.
func Dial() (*Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	id, err := c.GetFamily(GenlName)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("ovpn-dco family not available: %v", err)
	}

	return &Conn{family: id, conn: c}, nil
}

// Close releases the netlink connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// NewPeer registers a new peer on the tun interface identified by
// ifindex, directing its data channel traffic at cfg.RemoteAddr.
func (c *Conn) NewPeer(ifindex int, cfg PeerConfig) error {
	if cfg.RemoteAddr == nil {
		return errors.New("dco: peer needs a remote address")
	}
	if cfg.RemotePort == 0 {
		return errors.New("dco: peer needs a remote port")
	}

	peerAttrs, err := netlink.MarshalAttributes(peerCreateAttr(cfg))
	if err != nil {
		return err
	}

	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrIfindex, Data: nlenc.Uint32Bytes(uint32(ifindex))},
		{Type: AttrPeer, Data: peerAttrs},
	})
	if err != nil {
		return err
	}

	return c.execute(CmdNewPeer, attrs)
}

// DelPeer removes a previously registered peer.
func (c *Conn) DelPeer(ifindex int, peerID uint32) error {
	peerAttrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrPeerID, Data: nlenc.Uint32Bytes(peerID)},
	})
	if err != nil {
		return err
	}
	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrIfindex, Data: nlenc.Uint32Bytes(uint32(ifindex))},
		{Type: AttrPeer, Data: peerAttrs},
	})
	if err != nil {
		return err
	}
	return c.execute(CmdDelPeer, attrs)
}

// NewKey installs cfg's key material into the peer's named slot,
// handing off data channel crypto for that key to the kernel.
func (c *Conn) NewKey(ifindex int, cfg KeyConfig) error {
	if len(cfg.EncryptKey) == 0 || len(cfg.DecryptKey) == 0 {
		return errors.New("dco: key config needs both encrypt and decrypt keys")
	}

	keyAttrs, err := netlink.MarshalAttributes(keyConfAttr(cfg))
	if err != nil {
		return err
	}

	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrIfindex, Data: nlenc.Uint32Bytes(uint32(ifindex))},
		{Type: AttrKeyconf, Data: keyAttrs},
	})
	if err != nil {
		return err
	}

	return c.execute(CmdNewKey, attrs)
}

// SwapKeys tells the kernel to swap its primary and secondary key
// slots for peerID, mirroring a ProtoEngine KeyContext KEV_BECOME_PRIMARY
// transition into the kernel's own data path.
func (c *Conn) SwapKeys(ifindex int, peerID uint32) error {
	keyAttrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrKeyconfPeerID, Data: nlenc.Uint32Bytes(peerID)},
	})
	if err != nil {
		return err
	}
	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrIfindex, Data: nlenc.Uint32Bytes(uint32(ifindex))},
		{Type: AttrKeyconf, Data: keyAttrs},
	})
	if err != nil {
		return err
	}
	return c.execute(CmdSwapKeys, attrs)
}

// DelKey removes a key slot for a peer, used once a KeyContext's
// expire grace period elapses.
func (c *Conn) DelKey(ifindex int, peerID uint32, slot KeySlot) error {
	keyAttrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrKeyconfPeerID, Data: nlenc.Uint32Bytes(peerID)},
		{Type: AttrKeyconfSlot, Data: nlenc.Uint8Bytes(uint8(slot))},
	})
	if err != nil {
		return err
	}
	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: AttrIfindex, Data: nlenc.Uint32Bytes(uint32(ifindex))},
		{Type: AttrKeyconf, Data: keyAttrs},
	})
	if err != nil {
		return err
	}
	return c.execute(CmdDelKey, attrs)
}

func (c *Conn) execute(cmd uint8, data []byte) error {
	req := genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: c.family.Version,
		},
		Data: data,
	}
	_, err := c.conn.Execute(req, c.family.ID, netlink.Request|netlink.Acknowledge)
	return err
}

func peerCreateAttr(cfg PeerConfig) []netlink.Attribute {
	attrs := []netlink.Attribute{
		{Type: AttrPeerID, Data: nlenc.Uint32Bytes(cfg.PeerID)},
		{Type: AttrPeerRemotePort, Data: nlenc.Uint16Bytes(cfg.RemotePort)},
	}
	if v4 := cfg.RemoteAddr.To4(); v4 != nil {
		attrs = append(attrs, netlink.Attribute{Type: AttrPeerRemoteIPv4, Data: v4})
	} else {
		attrs = append(attrs, netlink.Attribute{Type: AttrPeerRemoteIPv6, Data: cfg.RemoteAddr.To16()})
	}
	if cfg.KeepaliveInterval > 0 {
		attrs = append(attrs, netlink.Attribute{Type: AttrPeerKeepaliveInterval, Data: nlenc.Uint32Bytes(cfg.KeepaliveInterval)})
	}
	if cfg.KeepaliveTimeout > 0 {
		attrs = append(attrs, netlink.Attribute{Type: AttrPeerKeepaliveTimeout, Data: nlenc.Uint32Bytes(cfg.KeepaliveTimeout)})
	}
	return attrs
}

func keyConfAttr(cfg KeyConfig) []netlink.Attribute {
	return []netlink.Attribute{
		{Type: AttrKeyconfPeerID, Data: nlenc.Uint32Bytes(cfg.PeerID)},
		{Type: AttrKeyconfSlot, Data: nlenc.Uint8Bytes(uint8(cfg.Slot))},
		{Type: AttrKeyconfKeyID, Data: nlenc.Uint8Bytes(cfg.KeyID)},
		{Type: AttrKeyconfCipherAlg, Data: nlenc.Bytes(cfg.CipherAlg)},
		{Type: AttrKeyconfEncryptKey, Data: cfg.EncryptKey},
		{Type: AttrKeyconfDecryptKey, Data: cfg.DecryptKey},
		{Type: AttrKeyconfEncryptNonce, Data: cfg.EncryptNonce},
		{Type: AttrKeyconfDecryptNonce, Data: cfg.DecryptNonce},
	}
}
