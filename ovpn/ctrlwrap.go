package ovpn

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

// CtrlWrapKeys carries the static key material a CtrlWrap needs for
// tls-auth, tls-crypt, or tls-crypt-v2 wrapping. Unused fields are
// left zero for modes that don't need them. Key derivation (the
// OpenVPN static key file's four 64-byte sub-keys) is a host
// collaborator concern; CtrlWrapKeys takes the already-split
// directional keys.
type CtrlWrapKeys struct {
	HMACSend, HMACRecv             []byte
	CipherSend, CipherRecv         []byte
	WkcServerKey, WkcServerHMACKey []byte
}

// ctrlWrap applies or removes control-channel wrapping. Plain mode is
// a passthrough; tls-auth adds an HMAC and replay id; tls-crypt
// additionally encrypts everything but the header and replay id;
// tls-crypt-v2 is tls-crypt plus an embedded wrapped client key (WKc)
// on the client's first packet.
type ctrlWrap struct {
	mode     CtrlWrapMode
	provider CryptoProvider

	hmacSend, hmacRecv Hmac
	aeadSend, aeadRecv AeadCipher
	wkcAead            AeadCipher // tls-crypt-v2 server-side unwrap key
	replayRecv         *PacketIDRecv
	replaySend         *PacketIDSend
	pendingWKc         []byte // client: WKc to attach to the next outgoing packet
}

// newCtrlWrap constructs a ctrlWrap for mode using keys drawn from
// provider. hmacAlg/cipherAlg select the algorithms tls-auth/
// tls-crypt use, as negotiated out of band; they are passed to
// provider unchanged, and no default is applied here.
func newCtrlWrap(mode CtrlWrapMode, keys CtrlWrapKeys, provider CryptoProvider, hmacAlg, cipherAlg string) (*ctrlWrap, error) {
	w := &ctrlWrap{mode: mode, provider: provider}

	switch mode {
	case CtrlWrapPlain:
		// no key material required

	case CtrlWrapTLSAuth:
		var err error
		if w.hmacSend, err = provider.NewHmac(hmacAlg, keys.HMACSend); err != nil {
			return nil, fmt.Errorf("tls-auth send hmac: %v", err)
		}
		if w.hmacRecv, err = provider.NewHmac(hmacAlg, keys.HMACRecv); err != nil {
			return nil, fmt.Errorf("tls-auth recv hmac: %v", err)
		}
		w.replayRecv = newPacketIDRecv(packetIDShortForm, defaultReplayWindow, 0)
		w.replaySend = newPacketIDSend(packetIDShortForm, false, 0)

	case CtrlWrapTLSCrypt, CtrlWrapTLSCryptV2:
		var err error
		if w.aeadSend, err = provider.NewAead(cipherAlg, keys.CipherSend); err != nil {
			return nil, fmt.Errorf("tls-crypt send cipher: %v", err)
		}
		if w.aeadRecv, err = provider.NewAead(cipherAlg, keys.CipherRecv); err != nil {
			return nil, fmt.Errorf("tls-crypt recv cipher: %v", err)
		}
		w.replayRecv = newPacketIDRecv(packetIDLongForm, defaultReplayWindow, 0)
		w.replaySend = newPacketIDSend(packetIDLongForm, false, uint32(time.Now().Unix()))
		if mode == CtrlWrapTLSCryptV2 && len(keys.WkcServerKey) > 0 {
			if w.wkcAead, err = provider.NewAead(cipherAlg, keys.WkcServerKey); err != nil {
				return nil, fmt.Errorf("tls-crypt-v2 wkc cipher: %v", err)
			}
		}

	default:
		return nil, fmt.Errorf("unknown ctrl wrap mode %v", mode)
	}

	return w, nil
}

// setPendingWKc queues a wrapped client key blob that wrap appends to
// the next outgoing CtrlWrapTLSCryptV2 packet, once. Nothing in this
// package calls it.
func (w *ctrlWrap) setPendingWKc(wkc []byte) {
	w.pendingWKc = append([]byte(nil), wkc...)
}

// nextReplayID computes the long-form replay id/epoch pair used by
// tls-crypt wrapping and returns its wire encoding. tls-auth does not
// use it: it carries the 4-byte short-form id from nextReplayIDShort,
// with no epoch.
func (w *ctrlWrap) nextReplayID() ([]byte, error) {
	id, epoch, err := w.replaySend.Next()
	if err != nil {
		return nil, err
	}
	return w.replaySend.Marshal(id, epoch), nil
}

// wrap renders header||body (body from controlPacket.marshal) as the
// bytes placed on the wire, applying this ctrlWrap's mode.
func (w *ctrlWrap) wrap(header byte, body []byte) ([]byte, error) {
	switch w.mode {
	case CtrlWrapPlain:
		return append([]byte{header}, body...), nil

	case CtrlWrapTLSAuth:
		replay, err := w.nextReplayIDShort()
		if err != nil {
			return nil, err
		}
		w.hmacSend.Reset()
		w.hmacSend.Write([]byte{header})
		w.hmacSend.Write(replay)
		w.hmacSend.Write(body)
		tag := w.hmacSend.Sum(nil)

		out := make([]byte, 0, 1+len(tag)+len(replay)+len(body))
		out = append(out, header)
		out = append(out, tag...)
		out = append(out, replay...)
		out = append(out, body...)
		return out, nil

	case CtrlWrapTLSCrypt, CtrlWrapTLSCryptV2:
		replay, err := w.nextReplayID()
		if err != nil {
			return nil, err
		}
		ad := append([]byte{header}, replay...)
		ct := w.aeadSend.Seal(nil, w.nonceFrom(replay), body, ad)

		out := make([]byte, 0, 1+len(replay)+len(ct)+len(w.pendingWKc))
		out = append(out, header)
		out = append(out, replay...)
		out = append(out, ct...)
		if w.mode == CtrlWrapTLSCryptV2 && len(w.pendingWKc) > 0 {
			out = append(out, w.pendingWKc...)
			w.pendingWKc = nil
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown ctrl wrap mode %v", w.mode)
}

// unwrap reverses wrap, given the already-stripped header byte and
// the remaining bytes. wkcLen, for CtrlWrapTLSCryptV2 server-side
// unwrapping of a client's first packet, is the length of a trailing
// WKc blob to split off and recover a per-client key from; pass 0
// when no WKc is expected on this packet.
func (w *ctrlWrap) unwrap(header byte, rest []byte, wkcLen int) (body []byte, err error) {
	switch w.mode {
	case CtrlWrapPlain:
		return rest, nil

	case CtrlWrapTLSAuth:
		tagLen := w.hmacRecv.Size()
		if len(rest) < tagLen+packetIDShortLen {
			return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("tls-auth packet too short")}
		}
		tag := rest[:tagLen]
		replay := rest[tagLen : tagLen+packetIDShortLen]
		body = rest[tagLen+packetIDShortLen:]

		w.hmacRecv.Reset()
		w.hmacRecv.Write([]byte{header})
		w.hmacRecv.Write(replay)
		w.hmacRecv.Write(body)
		want := w.hmacRecv.Sum(nil)
		if !hmacEqual(tag, want) {
			return nil, &ProtoError{Kind: ErrHMAC, Err: fmt.Errorf("tls-auth hmac mismatch")}
		}
		if res := w.testReplayShort(replay); res != recvSuccess {
			return nil, replayError(res)
		}
		return body, nil

	case CtrlWrapTLSCrypt, CtrlWrapTLSCryptV2:
		if len(rest) < packetIDLongLen {
			return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("tls-crypt packet too short")}
		}
		replay := rest[:packetIDLongLen]
		rest = rest[packetIDLongLen:]
		if wkcLen > 0 {
			if len(rest) < wkcLen {
				return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("tls-crypt-v2 wkc truncated")}
			}
			rest = rest[:len(rest)-wkcLen]
		}

		if res := w.testReplayLong(replay); res != recvSuccess {
			return nil, replayError(res)
		}

		ad := append([]byte{header}, replay...)
		body, err = w.aeadRecv.Open(nil, w.nonceFrom(replay), rest, ad)
		if err != nil {
			return nil, &ProtoError{Kind: ErrDecrypt, Err: err}
		}
		return body, nil
	}
	return nil, fmt.Errorf("unknown ctrl wrap mode %v", w.mode)
}

// unwrapWKc recovers the per-client tls-crypt key embedded in a
// CtrlWrapTLSCryptV2 client's first packet, using the server's
// tls-crypt-v2 key. The returned bytes are the raw key material to
// build a new per-client ctrlWrap from.
func (w *ctrlWrap) unwrapWKc(wkc []byte) ([]byte, error) {
	if w.wkcAead == nil {
		return nil, fmt.Errorf("no tls-crypt-v2 server key configured")
	}
	key, err := w.wkcAead.Open(nil, wkcNonce, wkc, nil)
	if err != nil {
		return nil, &ProtoError{Kind: ErrDecrypt, Err: fmt.Errorf("wkc unwrap: %v", err)}
	}
	return key, nil
}

// wkcNonce is the fixed nonce used to open a WKc blob. unwrapWKc opens
// every client's blob under the same server tls-crypt-v2 key, so all
// blobs share this one key/nonce pair.
var wkcNonce = []byte("go-ovpn-wkc0")

func (w *ctrlWrap) nextReplayIDShort() ([]byte, error) {
	id, _, err := w.replaySend.Next()
	if err != nil {
		return nil, err
	}
	return w.replaySend.Marshal(id, 0), nil
}

func (w *ctrlWrap) testReplayShort(b []byte) recvResult {
	id := binary.BigEndian.Uint32(b)
	return w.replayRecv.TestAdd(id, 0, time.Time{}, true)
}

func (w *ctrlWrap) testReplayLong(b []byte) recvResult {
	epoch := binary.BigEndian.Uint32(b)
	id := binary.BigEndian.Uint32(b[4:])
	return w.replayRecv.TestAdd(id, epoch, time.Time{}, true)
}

// nonceFrom derives an AEAD nonce from a replay id field. Real
// tls-crypt derives its CTR-mode IV similarly from the packet id and
// timestamp; the exact construction is a backend concern, so padding
// this value out to whatever nonce length the configured AeadCipher
// expects is left to the CryptoProvider implementation, which
// receives this value as-is.
func (w *ctrlWrap) nonceFrom(replay []byte) []byte {
	return replay
}

func replayError(r recvResult) error {
	switch r {
	case recvReplay:
		return &ProtoError{Kind: ErrReplay, Err: fmt.Errorf("replayed control packet")}
	case recvBacktrack, recvTimeBacktrack:
		return &ProtoError{Kind: ErrBacktrack, Err: fmt.Errorf("control packet id behind window")}
	case recvExpire:
		return &ProtoError{Kind: ErrBacktrack, Err: fmt.Errorf("control packet epoch expired")}
	default:
		return &ProtoError{Kind: ErrBacktrack, Err: fmt.Errorf("invalid control packet id")}
	}
}

// hmacEqual compares two HMAC tags in constant time.
func hmacEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
