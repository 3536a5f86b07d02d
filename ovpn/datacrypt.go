package ovpn

import (
	"encoding/binary"
	"fmt"
	"time"
)

// compStubNone is the single-byte compression framing stub prepended
// to data channel plaintext when COMP_STUB is negotiated but no
// compression algorithm is actually applied; this keeps the framing
// byte present for compatibility with peers that still expect one,
// without this engine ever implementing an LZO/LZ4 codec itself.
const compStubNone byte = 0xfa

// DataCryptConfig selects the algorithms and limits a DataCrypt uses.
// Algorithm names are passed through to CryptoProvider; the engine
// itself has no opinion on which ciphers exist.
type DataCryptConfig struct {
	Family       DataCipherFamily
	CipherAlg    string
	HMACAlg      string // only consulted for DataCipherCBCHMAC
	KeyID        KeyID
	Wide         bool // 64-bit packet id counter, for AEAD ciphers negotiating one
	ByteLimit    uint64
	CompStub     bool
	ReplayWindow uint32
	PeerID       uint32 // 24-bit peer-id carried in the DATA_V2 header, 0 if unused
	MssFix       int    // clamp outbound plaintext TCP MSS to this value, 0 disables
}

// DataCrypt implements the data channel encrypt/decrypt framing:
// DATA_V2 opcode framing, AEAD or CBC+HMAC payload protection,
// replay detection, and a per-direction byte counter used to trigger
// N_KEY_LIMIT_RENEG.
type DataCrypt struct {
	cfg DataCryptConfig

	aeadSend, aeadRecv AeadCipher
	cbcSend, cbcRecv   CbcCipher
	hmacSend, hmacRecv Hmac
	rng                Rng

	idSend *PacketIDSend
	idRecv *PacketIDRecv

	bytesSent uint64
	bytesRecv uint64
}

// NewDataCrypt constructs a DataCrypt from already-derived key
// material, drawing cipher/HMAC instances from provider.
func NewDataCrypt(cfg DataCryptConfig, provider CryptoProvider, sendKey, recvKey, sendHMACKey, recvHMACKey []byte) (*DataCrypt, error) {
	d := &DataCrypt{
		cfg:    cfg,
		rng:    provider.Rng(),
		idSend: newPacketIDSend(packetIDShortForm, cfg.Wide, 0),
		idRecv: newPacketIDRecv(packetIDShortForm, cfg.ReplayWindow, 0),
	}

	var err error
	switch cfg.Family {
	case DataCipherAEAD:
		if d.aeadSend, err = provider.NewAead(cfg.CipherAlg, sendKey); err != nil {
			return nil, fmt.Errorf("data channel send cipher: %v", err)
		}
		if d.aeadRecv, err = provider.NewAead(cfg.CipherAlg, recvKey); err != nil {
			return nil, fmt.Errorf("data channel recv cipher: %v", err)
		}
	case DataCipherCBCHMAC:
		if d.cbcSend, err = provider.NewCbc(cfg.CipherAlg, sendKey); err != nil {
			return nil, fmt.Errorf("data channel send cipher: %v", err)
		}
		if d.cbcRecv, err = provider.NewCbc(cfg.CipherAlg, recvKey); err != nil {
			return nil, fmt.Errorf("data channel recv cipher: %v", err)
		}
		if d.hmacSend, err = provider.NewHmac(cfg.HMACAlg, sendHMACKey); err != nil {
			return nil, fmt.Errorf("data channel send hmac: %v", err)
		}
		if d.hmacRecv, err = provider.NewHmac(cfg.HMACAlg, recvHMACKey); err != nil {
			return nil, fmt.Errorf("data channel recv hmac: %v", err)
		}
	default:
		return nil, fmt.Errorf("unknown data cipher family %v", cfg.Family)
	}

	if d.cfg.ByteLimit == 0 && cfg.Family == DataCipherCBCHMAC {
		d.cfg.ByteLimit = defaultBS64DataLimit
	}

	return d, nil
}

// dataV2PeerIDLen is the length of the peer-id field that follows the
// opcode|key_id byte in a DATA_V2 header. It carries cfg.PeerID, which
// is zero unless set (for example from a pushed peer-id).
const dataV2PeerIDLen = 3

// Encrypt frames and encrypts plaintext for transmission as one data
// channel packet, always using DATA_V2 framing. DATA_V1 framing is
// neither produced here nor parsed by Decrypt.
func (d *DataCrypt) Encrypt(plaintext []byte) ([]byte, error) {
	if d.cfg.MssFix > 0 {
		plaintext = FixMSS(plaintext, d.cfg.MssFix)
	}
	if d.cfg.CompStub {
		plaintext = append([]byte{compStubNone}, plaintext...)
	}

	id, _, err := d.idSend.Next()
	if err != nil {
		return nil, &ProtoError{Kind: ErrNKeyLimitReneg, Err: err}
	}
	idBytes := d.idSend.Marshal(id, 0)

	header := make([]byte, 0, 1+dataV2PeerIDLen)
	header = append(header, packHeader(opcodeDataV2, d.cfg.KeyID))
	header = append(header, byte(d.cfg.PeerID>>16), byte(d.cfg.PeerID>>8), byte(d.cfg.PeerID))

	var body []byte
	switch d.cfg.Family {
	case DataCipherAEAD:
		ad := append(append([]byte(nil), header...), idBytes...)
		ct := d.aeadSend.Seal(nil, d.dataNonce(idBytes), plaintext, ad)
		body = append(idBytes, ct...)

	case DataCipherCBCHMAC:
		iv := make([]byte, d.cbcSend.BlockSize())
		if _, err := d.rng.Read(iv); err != nil {
			return nil, fmt.Errorf("data channel iv: %v", err)
		}
		padded := pkcs7Pad(plaintext, d.cbcSend.BlockSize())
		ct := make([]byte, len(padded))
		d.cbcSend.Encrypt(ct, iv, padded)

		d.hmacSend.Reset()
		d.hmacSend.Write(idBytes)
		d.hmacSend.Write(iv)
		d.hmacSend.Write(ct)
		tag := d.hmacSend.Sum(nil)

		body = make([]byte, 0, len(tag)+len(idBytes)+len(iv)+len(ct))
		body = append(body, tag...)
		body = append(body, idBytes...)
		body = append(body, iv...)
		body = append(body, ct...)
	}

	d.bytesSent += uint64(len(plaintext))
	out := append(header, body...)
	return out, nil
}

// Decrypt reverses Encrypt, verifying the packet id against the
// replay window and, for CBC+HMAC, the HMAC tag.
func (d *DataCrypt) Decrypt(wire []byte, now time.Time) ([]byte, error) {
	if len(wire) < 1+dataV2PeerIDLen {
		return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("data packet too short")}
	}
	header := wire[:1+dataV2PeerIDLen]
	body := wire[1+dataV2PeerIDLen:]

	var plaintext []byte
	switch d.cfg.Family {
	case DataCipherAEAD:
		if len(body) < packetIDShortLen {
			return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("data packet too short")}
		}
		idBytes := body[:packetIDShortLen]
		ct := body[packetIDShortLen:]
		id := binary.BigEndian.Uint32(idBytes)
		if res := d.idRecv.TestAdd(id, 0, now, true); res != recvSuccess {
			return nil, replayError(res)
		}
		ad := append(append([]byte(nil), header...), idBytes...)
		pt, err := d.aeadRecv.Open(nil, d.dataNonce(idBytes), ct, ad)
		if err != nil {
			return nil, &ProtoError{Kind: ErrDecrypt, Err: err}
		}
		plaintext = pt

	case DataCipherCBCHMAC:
		tagLen := d.hmacRecv.Size()
		blockSize := d.cbcRecv.BlockSize()
		minLen := tagLen + packetIDShortLen + blockSize
		if len(body) < minLen {
			return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("data packet too short")}
		}
		tag := body[:tagLen]
		idBytes := body[tagLen : tagLen+packetIDShortLen]
		iv := body[tagLen+packetIDShortLen : tagLen+packetIDShortLen+blockSize]
		ct := body[tagLen+packetIDShortLen+blockSize:]

		d.hmacRecv.Reset()
		d.hmacRecv.Write(idBytes)
		d.hmacRecv.Write(iv)
		d.hmacRecv.Write(ct)
		want := d.hmacRecv.Sum(nil)
		if !hmacEqual(tag, want) {
			return nil, &ProtoError{Kind: ErrHMAC, Err: fmt.Errorf("data channel hmac mismatch")}
		}

		id := binary.BigEndian.Uint32(idBytes)
		if res := d.idRecv.TestAdd(id, 0, now, true); res != recvSuccess {
			return nil, replayError(res)
		}

		padded := make([]byte, len(ct))
		if err := d.cbcRecv.Decrypt(padded, iv, ct); err != nil {
			return nil, &ProtoError{Kind: ErrDecrypt, Err: err}
		}
		pt, err := pkcs7Unpad(padded, blockSize)
		if err != nil {
			return nil, &ProtoError{Kind: ErrDecrypt, Err: err}
		}
		plaintext = pt
	}

	if d.cfg.CompStub {
		if len(plaintext) == 0 {
			return nil, &ProtoError{Kind: ErrDecrypt, Err: fmt.Errorf("missing compression stub byte")}
		}
		plaintext = plaintext[1:]
	}

	d.bytesRecv += uint64(len(plaintext))
	return plaintext, nil
}

// dataNonce derives the AEAD nonce for a data channel packet from its
// short packet id. The remaining nonce bytes are a fixed
// implementation-id salt mixed in by the CryptoProvider backend; this
// engine only guarantees the packet id varies per message.
func (d *DataCrypt) dataNonce(idBytes []byte) []byte {
	return idBytes
}

// ByteLimitReached reports whether either direction's byte counter
// has crossed the configured limit, signalling the engine should
// force a renegotiation (the default is the 64-bit block cipher data
// limit; it is also usable as a general key-lifetime byte cap).
func (d *DataCrypt) ByteLimitReached() bool {
	if d.cfg.ByteLimit == 0 {
		return false
	}
	return d.bytesSent >= d.cfg.ByteLimit || d.bytesRecv >= d.cfg.ByteLimit
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(b))
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > blockSize || pad > len(b) {
		return nil, fmt.Errorf("invalid pkcs7 padding")
	}
	for _, p := range b[len(b)-pad:] {
		if int(p) != pad {
			return nil, fmt.Errorf("invalid pkcs7 padding")
		}
	}
	return b[:len(b)-pad], nil
}

// FixMSS clamps the TCP MSS option of an IPv4 SYN segment found in
// packet to at most mss bytes, rewriting the option and recomputing
// the affected checksums in place. Packets that are not IPv4 TCP SYN
// segments, or that carry no MSS option, are returned unmodified.
// This implements the "mssfix" feature referenced by push option
// parsing; it never touches the tun device itself, only the plaintext
// bytes the engine is about to encrypt; decrypted packets are not
// clamped.
func FixMSS(packet []byte, mss int) []byte {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return packet
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl < 20 || len(packet) < ihl+20 {
		return packet
	}
	if packet[9] != 6 { // protocol != TCP
		return packet
	}
	tcp := packet[ihl:]
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset < 20 || len(tcp) < dataOffset {
		return packet
	}
	flags := tcp[13]
	const synFlag = 0x02
	if flags&synFlag == 0 {
		return packet
	}

	opts := tcp[20:dataOffset]
	for i := 0; i < len(opts); {
		kind := opts[i]
		if kind == 0 { // end of options
			break
		}
		if kind == 1 { // no-op
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		optLen := int(opts[i+1])
		if optLen < 2 || i+optLen > len(opts) {
			break
		}
		if kind == 2 && optLen == 4 { // MSS option
			cur := int(binary.BigEndian.Uint16(opts[i+2 : i+4]))
			if cur > mss {
				binary.BigEndian.PutUint16(opts[i+2:i+4], uint16(mss))
				fixTCPChecksum(packet, ihl)
			}
			break
		}
		i += optLen
	}
	return packet
}

func fixTCPChecksum(packet []byte, ihl int) {
	tcp := packet[ihl:]
	tcp[16] = 0
	tcp[17] = 0
	sum := tcpChecksum(packet[12:16], packet[16:20], tcp)
	binary.BigEndian.PutUint16(tcp[16:18], sum)
}

func tcpChecksum(srcIP, dstIP, tcp []byte) uint16 {
	var sum uint32
	pseudo := make([]byte, 0, 12)
	pseudo = append(pseudo, srcIP...)
	pseudo = append(pseudo, dstIP...)
	pseudo = append(pseudo, 0, 6)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(tcp)))
	pseudo = append(pseudo, lenBuf[:]...)

	sum = checksumAdd(sum, pseudo)
	sum = checksumAdd(sum, tcp)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func checksumAdd(sum uint32, b []byte) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}
