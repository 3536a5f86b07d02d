package ovpn

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ControlNetSendFunc transmits one already-wrapped control packet to
// the peer. The engine never opens a socket itself;
// a host supplies this callback, typically backed by a UDP or TCP
// connection to the peer.
type ControlNetSendFunc func(b []byte) error

// DataNetSendFunc transmits one already-encrypted data channel packet
// to the peer, the data-channel counterpart of ControlNetSendFunc.
// The engine uses it only for its own keepalive pings and legacy
// explicit-exit-notify sentinels; ordinary data traffic is encrypted
// via DataEncrypt and sent by the host itself.
type DataNetSendFunc func(b []byte) error

// EngineConfig carries everything a ProtoEngine needs at construction
// time: roles, collaborator factories, and the negotiation knobs.
type EngineConfig struct {
	Mode Mode

	TLSFactory     TLSFactory
	CryptoProvider CryptoProvider

	CtrlWrapMode  CtrlWrapMode
	CtrlWrapKeys  CtrlWrapKeys
	CtrlHMACAlg   string
	CtrlCipherAlg string

	Data DataCryptConfig

	Options OptionsConfig

	HandshakeWindow   time.Duration
	BecomePrimary     time.Duration
	Renegotiate       time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	Stats *Stats

	// Logger receives structured lifecycle and error logging. A nil
	// Logger is replaced with a no-op logger.
	Logger log.Logger
}

// ProtoEngine is the top-level OpenVPN protocol state machine: it
// owns at most two KeyContexts (a primary and, during
// renegotiation, a secondary being negotiated in the background),
// multiplexes control and data traffic over them, and drives its own
// forward progress entirely through Housekeeping calls rather than
// internal goroutines.
type ProtoEngine struct {
	cfg EngineConfig

	localPsid ProtoSessionID
	wrap      *ctrlWrap

	primary   *KeyContext
	secondary *KeyContext

	controlSend ControlNetSendFunc
	dataSend    DataNetSendFunc

	lastRecvAt      time.Time
	lastKeepaliveAt time.Time
	started         bool

	stats  *Stats
	logger log.Logger
}

// NewEngine constructs a ProtoEngine in its zero state; call Reset to
// generate a session id and begin the first KeyContext's negotiation.
func NewEngine(cfg EngineConfig) (*ProtoEngine, error) {
	if cfg.TLSFactory == nil || cfg.CryptoProvider == nil {
		return nil, fmt.Errorf("engine requires a TLSFactory and CryptoProvider")
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStats()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	logger := log.With(cfg.Logger, "component", "proto_engine", "mode", cfg.Mode)
	return &ProtoEngine{cfg: cfg, stats: cfg.Stats, logger: logger}, nil
}

// SetControlNetSend installs the callback the engine uses to transmit
// wrapped control packets. It must be set before Reset.
func (e *ProtoEngine) SetControlNetSend(f ControlNetSendFunc) {
	e.controlSend = f
}

// SetDataNetSend installs the callback the engine uses to transmit
// its own keepalive pings and explicit-exit-notify sentinels on the
// data channel. It is optional: an engine with no DataNetSendFunc
// installed simply never emits these, leaving keepalive transmission
// to the host.
func (e *ProtoEngine) SetDataNetSend(f DataNetSendFunc) {
	e.dataSend = f
}

// Reset generates a fresh local session id, (re)builds the shared
// control-channel wrapper, and creates a new primary KeyContext ready
// to begin its handshake. It is called once at startup and again
// whenever the engine must restart from scratch (e.g. after a fatal
// control-channel error).
func (e *ProtoEngine) Reset(now time.Time) error {
	psid, err := newProtoSessionID(e.cfg.CryptoProvider.Rng())
	if err != nil {
		return err
	}
	e.localPsid = psid

	wrap, err := newCtrlWrap(e.cfg.CtrlWrapMode, e.cfg.CtrlWrapKeys, e.cfg.CryptoProvider, e.cfg.CtrlHMACAlg, e.cfg.CtrlCipherAlg)
	if err != nil {
		return fmt.Errorf("control wrap: %v", err)
	}
	e.wrap = wrap

	kc, err := e.newKeyContext(0, now)
	if err != nil {
		return err
	}
	e.primary = kc
	e.secondary = nil
	e.lastRecvAt = now
	e.lastKeepaliveAt = now
	level.Info(e.logger).Log("message", "engine reset", "local_psid", e.localPsid.String())
	return nil
}

func (e *ProtoEngine) newKeyContext(keyID KeyID, now time.Time) (*KeyContext, error) {
	tls, err := e.cfg.TLSFactory.NewSession(e.cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("tls session: %v", err)
	}
	return newKeyContext(KeyContextConfig{
		KeyID:           keyID,
		Mode:            e.cfg.Mode,
		HandshakeWindow: e.cfg.HandshakeWindow,
		BecomePrimary:   e.cfg.BecomePrimary,
		Renegotiate:     e.cfg.Renegotiate,
	}, tls, e.wrap, e.localPsid, e.stats, now), nil
}

// Start begins transmission: for a client, it sends the first
// CONTROL_HARD_RESET_CLIENT_V3 packet; a server waits passively for
// one to arrive via ControlNetRecv.
func (e *ProtoEngine) Start(now time.Time) error {
	if e.primary == nil {
		return fmt.Errorf("engine not reset")
	}
	e.started = true
	level.Info(e.logger).Log("message", "engine starting")
	if e.cfg.Mode == ModeClient {
		return e.sendHardReset(e.primary, now)
	}
	return nil
}

func (e *ProtoEngine) sendHardReset(kc *KeyContext, now time.Time) error {
	op := opcodeControlHardResetClientV3
	if e.cfg.Mode == ModeServer {
		op = opcodeControlHardResetServerV2
	}
	return e.transmitControl(kc, op, nil, now)
}

// ControlNetRecv is the entry point for packets received from the
// peer: it unpacks the header byte, rejects DATA_V1/DATA_V2 packets
// with an error (those go to DataDecrypt), and passes everything else
// through control packet reassembly.
func (e *ProtoEngine) ControlNetRecv(raw []byte, now time.Time) error {
	if len(raw) < 1 {
		return &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("empty packet")}
	}
	op, keyID := unpackHeader(raw[0])
	e.lastRecvAt = now

	if op == opcodeDataV1 || op == opcodeDataV2 {
		return fmt.Errorf("data packet routed to ControlNetRecv; use DataDecrypt")
	}

	kc := e.keyContextFor(keyID, op, now)
	if kc == nil {
		return &ProtoError{Kind: ErrKevNegotiate, Err: fmt.Errorf("no key context for key id %d", keyID)}
	}

	body, err := e.wrap.unwrap(raw[0], raw[1:], 0)
	if err != nil {
		if pe, ok := err.(*ProtoError); ok {
			e.stats.RecordError(pe.Kind)
			level.Error(e.logger).Log("message", "control packet rejected", "key_id", keyID, "kind", pe.Kind.String(), "err", pe.Err)
		}
		return err
	}

	pkt, err := parseControlPacket(op, keyID, body)
	if err != nil {
		return &ProtoError{Kind: ErrBuffer, Err: err}
	}

	for _, id := range pkt.acks {
		kc.reliSend.ack(id)
	}
	if pkt.haveDst && !pkt.dstPsid.Equal(e.localPsid) {
		return &ProtoError{Kind: ErrKevNegotiate, Err: fmt.Errorf("ack dst psid mismatch")}
	}

	if !kc.haveRemote && (op == opcodeControlHardResetClientV2 || op == opcodeControlHardResetClientV3 || op == opcodeControlHardResetServerV2) {
		kc.remotePsid = pkt.srcPsid
		kc.haveRemote = true
		if e.cfg.Mode == ModeServer && op != opcodeControlHardResetServerV2 {
			if err := e.sendHardReset(kc, now); err != nil {
				return err
			}
		}
	}

	if pkt.isAckOnly() {
		return nil
	}

	flags := kc.reliRecv.receive(pkt.msgID, pkt.payload)
	if flags&flagAckToSender != 0 {
		kc.queueAck(pkt.msgID)
	}

	for {
		payload, _, ok := kc.reliRecv.nextSequenced()
		if !ok {
			break
		}
		if _, err := kc.tls.WriteCiphertext(payload); err != nil {
			return &ProtoError{Kind: ErrKevNegotiate, Err: err}
		}
		kc.reliRecv.advance()
	}

	if _, err := e.advanceHandshake(kc, now); err != nil {
		return err
	}

	return e.pumpControlSend(kc, now)
}

// keyContextFor resolves an incoming key id to the matching
// KeyContext, creating a new secondary when a server observes a fresh
// hard-reset for a key id it doesn't recognize (the start of a
// peer-initiated renegotiation).
func (e *ProtoEngine) keyContextFor(keyID KeyID, op opcode, now time.Time) *KeyContext {
	if e.primary != nil && e.primary.keyID == keyID {
		return e.primary
	}
	if e.secondary != nil && e.secondary.keyID == keyID {
		return e.secondary
	}
	if e.secondary == nil && (op == opcodeControlHardResetClientV2 || op == opcodeControlHardResetClientV3) {
		kc, err := e.newKeyContext(keyID, now)
		if err != nil {
			return nil
		}
		e.secondary = kc
		return kc
	}
	return nil
}

// advanceHandshake drives kc's TLS handshake and, once it completes,
// exchanges the AUTH payload (options string + peer-info).
func (e *ProtoEngine) advanceHandshake(kc *KeyContext, now time.Time) (bool, error) {
	done, err := kc.advanceHandshake(now)
	if err != nil {
		if pe, ok := err.(*ProtoError); ok {
			e.stats.RecordError(pe.Kind)
			level.Error(e.logger).Log("message", "handshake failed", "key_id", kc.keyID, "kind", pe.Kind.String(), "err", pe.Err)
		}
		return false, err
	}
	if !done {
		return false, nil
	}
	level.Info(e.logger).Log("message", "handshake complete", "key_id", kc.keyID)

	var cleartext [4096]byte
	n, err := kc.tls.ReadCleartext(cleartext[:])
	if err == nil && n > 0 {
		kc.consumeAuthPayload(cleartext[:n])
	}
	if kc.dataCrypt != nil {
		// The local AUTH payload and data keys were produced on an
		// earlier call; only the peer's payload is still consumed here.
		return true, nil
	}

	payload := kc.buildAuthPayload(e.cfg.Options)
	if _, err := kc.tls.WriteCleartext(payload); err != nil {
		return false, &ProtoError{Kind: ErrKevNegotiate, Err: err}
	}

	if err := kc.deriveDataKeys(e.cfg.CryptoProvider, e.cfg.Data); err != nil {
		return false, err
	}

	if kc == e.secondary {
		if err := kc.schedulePrimaryPending(now); err != nil {
			return false, err
		}
	} else if e.secondary == nil {
		if err := kc.becomePrimary(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// transmitControl frames, wraps, and sends a control packet. Unless
// op is ACK_V1, the framed wire bytes are also admitted into the
// KeyContext's send-side reliability ring so they get retransmitted
// until acked.
func (e *ProtoEngine) transmitControl(kc *KeyContext, op opcode, payload []byte, now time.Time) error {
	var msgID uint32
	if !isAckOp(op) {
		msgID = kc.reliSend.allocateID()
	}
	pkt := &controlPacket{
		op:      op,
		keyID:   kc.keyID,
		srcPsid: e.localPsid,
		acks:    kc.drainAcks(),
		payload: payload,
		msgID:   msgID,
	}
	if kc.haveRemote {
		pkt.dstPsid = kc.remotePsid
	}
	body, err := pkt.marshal()
	if err != nil {
		return err
	}
	header := packHeader(op, kc.keyID)
	out, err := e.wrap.wrap(header, body)
	if err != nil {
		return err
	}
	if !isAckOp(op) {
		if err := kc.reliSend.track(msgID, out, now); err != nil {
			return err
		}
	}
	return e.send(out)
}

func isAckOp(op opcode) bool { return op == opcodeAckV1 }

func (e *ProtoEngine) send(b []byte) error {
	if e.controlSend == nil {
		return fmt.Errorf("no control send callback installed")
	}
	return e.controlSend(b)
}

// pumpControlSend drains any ciphertext the TLS session has queued
// for transmission, framing each chunk as a CONTROL_V1 packet sent
// through the reliability layer; acks owed to the peer ride on those
// packets, and any left over go out in a standalone ACK_V1 packet.
func (e *ProtoEngine) pumpControlSend(kc *KeyContext, now time.Time) error {
	var buf [appMsgMax]byte
	for {
		n, err := kc.tls.ReadCiphertext(buf[:])
		if err != nil || n == 0 {
			break
		}
		if err := e.transmitControl(kc, opcodeControlV1, append([]byte(nil), buf[:n]...), now); err != nil {
			return err
		}
	}
	if len(kc.pendingAcks) > 0 {
		return e.transmitControl(kc, opcodeAckV1, nil, now)
	}
	return nil
}

// Housekeeping drives timer-based work: handshake deadlines,
// retransmits, primary/secondary lifecycle transitions, and
// keepalive/renegotiation triggers. A host calls it whenever
// NextHousekeeping says it is due, and after every ControlNetRecv/
// DataDecrypt call.
func (e *ProtoEngine) Housekeeping(now time.Time) error {
	if e.primary == nil {
		return fmt.Errorf("engine not reset")
	}

	for _, kc := range e.keyContexts() {
		for _, wire := range kc.reliSend.retransmit(now) {
			if err := e.send(wire); err != nil {
				return err
			}
		}
	}

	if _, err := e.advanceHandshake(e.primary, now); err != nil {
		return err
	}
	if e.secondary != nil {
		if _, err := e.advanceHandshake(e.secondary, now); err != nil {
			return err
		}
		if err := e.secondary.schedulePrimaryPending(now); err != nil {
			return err
		}
		if e.secondary.State() == kcStatePrimary {
			old := e.primary
			e.primary = e.secondary
			e.secondary = nil
			if err := old.markExpiring(now); err != nil {
				return err
			}
			e.secondary = old
			level.Info(e.logger).Log("message", "primary key context swapped", "new_key_id", e.primary.keyID, "old_key_id", e.secondary.keyID)
		}
	}

	if e.secondary != nil && e.secondary.State() == kcStateExpiring {
		expiringKeyID := e.secondary.keyID
		expired, err := e.secondary.checkExpire(now)
		if err != nil {
			return err
		}
		if expired {
			level.Info(e.logger).Log("message", "old primary key context expired", "key_id", expiringKeyID)
			e.secondary = nil
		}
	}

	if e.primary.needsRenegotiate(now) && e.secondary == nil {
		level.Info(e.logger).Log("message", "renegotiation triggered", "key_id", e.primary.keyID)
		kc, err := e.newKeyContext(e.nextKeyID(), now)
		if err != nil {
			return err
		}
		e.secondary = kc
		if err := e.sendHardReset(kc, now); err != nil {
			return err
		}
	}

	if e.cfg.KeepaliveTimeout > 0 && now.Sub(e.lastRecvAt) > e.cfg.KeepaliveTimeout {
		e.stats.RecordError(ErrKeepaliveTimeout)
		level.Error(e.logger).Log("message", "keepalive timeout", "idle", now.Sub(e.lastRecvAt))
		return &ProtoError{Kind: ErrKeepaliveTimeout, Err: fmt.Errorf("no traffic for %v", now.Sub(e.lastRecvAt))}
	}
	if e.cfg.KeepaliveInterval > 0 && now.Sub(e.lastKeepaliveAt) > e.cfg.KeepaliveInterval {
		if err := e.sendKeepalive(); err != nil {
			return err
		}
		e.lastKeepaliveAt = now
	}

	return e.pumpControlSend(e.primary, now)
}

func (e *ProtoEngine) nextKeyID() KeyID {
	id := e.primary.keyID + 1
	if id > maxKeyID {
		id = 0
	}
	return id
}

func (e *ProtoEngine) keyContexts() []*KeyContext {
	out := []*KeyContext{e.primary}
	if e.secondary != nil {
		out = append(out, e.secondary)
	}
	return out
}

// NextHousekeeping reports how long the host may sleep before the
// engine next needs a Housekeeping call.
func (e *ProtoEngine) NextHousekeeping(now time.Time) time.Duration {
	soonest := e.cfg.HandshakeWindow
	if soonest <= 0 {
		soonest = defaultHandshakeWindow
	}
	for _, kc := range e.keyContexts() {
		if d, ok := kc.reliSend.untilRetransmit(now); ok && d < soonest {
			soonest = d
		}
	}
	if e.cfg.KeepaliveInterval > 0 && e.cfg.KeepaliveInterval < soonest {
		soonest = e.cfg.KeepaliveInterval
	}
	if soonest < 0 {
		soonest = 0
	}
	return soonest
}

// DataEncrypt encrypts plaintext for the data channel using the
// current primary KeyContext's negotiated keys.
func (e *ProtoEngine) DataEncrypt(plaintext []byte) ([]byte, error) {
	if e.primary == nil || e.primary.dataCrypt == nil {
		return nil, fmt.Errorf("no active data channel keys")
	}
	return e.primary.dataCrypt.Encrypt(plaintext)
}

// DataDecrypt decrypts a data channel packet, trying the primary
// KeyContext's keys and falling back to the secondary's if the
// packet carries its key id (covers the brief window after a swap
// where the peer may still be using the outgoing KeyContext). Inbound
// keepalive pings are swallowed here: a nil, nil return means "valid
// packet, nothing for the host to deliver."
func (e *ProtoEngine) DataDecrypt(wire []byte, now time.Time) ([]byte, error) {
	if len(wire) < 1 {
		return nil, &ProtoError{Kind: ErrBuffer, Err: fmt.Errorf("empty packet")}
	}
	_, keyID := unpackHeader(wire[0])
	e.lastRecvAt = now

	for _, kc := range e.keyContexts() {
		if kc.keyID == keyID && kc.dataCrypt != nil {
			plaintext, err := kc.dataCrypt.Decrypt(wire, now)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(plaintext, keepalivePayload[:]) {
				return nil, nil
			}
			if len(plaintext) == len(explicitExitNotifyPayload) && bytes.Equal(plaintext, explicitExitNotifyPayload[:]) {
				level.Info(e.logger).Log("message", "peer sent explicit exit notify sentinel", "key_id", kc.keyID)
				return nil, nil
			}
			return plaintext, nil
		}
	}
	return nil, &ProtoError{Kind: ErrKevNegotiate, Err: fmt.Errorf("no data keys for key id %d", keyID)}
}

// sendKeepalive encrypts and transmits the fixed keepalive ping
// payload over the primary KeyContext's data channel keys. It is a
// no-op if the data channel isn't up yet or no DataNetSendFunc has
// been installed.
func (e *ProtoEngine) sendKeepalive() error {
	if e.primary == nil || e.primary.dataCrypt == nil || e.dataSend == nil {
		return nil
	}
	wire, err := e.primary.dataCrypt.Encrypt(keepalivePayload[:])
	if err != nil {
		return err
	}
	return e.dataSend(wire)
}

// peerSupportsCCExitNotify reports whether kc's remote peer advertised
// the CC_EXIT_NOTIFY bit in its IV_PROTO peer-info field.
func peerSupportsCCExitNotify(kc *KeyContext) bool {
	if kc == nil || kc.peerInfo == nil {
		return false
	}
	v, err := strconv.ParseUint(kc.peerInfo["IV_PROTO"], 10, 32)
	if err != nil {
		return false
	}
	return uint32(v)&ivProtoCCExitNotify != 0
}

// SendExitNotify signals the peer that this side is disconnecting
// gracefully. When the peer advertised CC_EXIT_NOTIFY support it is
// sent in-band as a CONTROL_V1 "EXIT" message; otherwise it falls
// back to the legacy data-channel sentinel, repeating the send a
// handful of times the way the reference implementation does since
// the sentinel, unlike control messages, isn't retransmitted by the
// reliability layer.
func (e *ProtoEngine) SendExitNotify(now time.Time) error {
	if e.primary == nil {
		return fmt.Errorf("engine not reset")
	}
	if peerSupportsCCExitNotify(e.primary) {
		return e.transmitControl(e.primary, opcodeControlV1, []byte("EXIT"), now)
	}
	if e.primary.dataCrypt == nil || e.dataSend == nil {
		return nil
	}
	const resends = 4
	for i := 0; i < resends; i++ {
		wire, err := e.primary.dataCrypt.Encrypt(explicitExitNotifyPayload[:])
		if err != nil {
			return err
		}
		if err := e.dataSend(wire); err != nil {
			return err
		}
	}
	return nil
}

// ControlSend queues an application-level message (e.g. a push
// request) to be carried over the primary KeyContext's TLS session.
// payload must be no larger than appMsgMax bytes and must not contain
// ASCII control characters other than LF.
func (e *ProtoEngine) ControlSend(payload []byte) error {
	if e.primary == nil {
		return fmt.Errorf("engine not reset")
	}
	if len(payload) > appMsgMax {
		return &ProtoError{Kind: ErrControlMessage, Err: fmt.Errorf("control message of %d bytes exceeds %d byte limit", len(payload), appMsgMax)}
	}
	for _, b := range payload {
		if b == '\n' {
			continue
		}
		if b < 0x20 || b == 0x7f {
			return &ProtoError{Kind: ErrControlMessage, Err: fmt.Errorf("control message contains disallowed control byte 0x%02x", b)}
		}
	}
	_, err := e.primary.tls.WriteCleartext(payload)
	return err
}

// ProcessPush parses a push-reply payload received over the control
// channel and applies it to the primary KeyContext: mssfix and
// compression framing to the data path; cipher/auth to the data
// channel algorithms used on the next rekey; peer-id to the DATA_V2
// header the engine now sends; and keepalive/ping/ping-restart/
// reneg-sec to the engine's own timers. tun-mtu is returned in the
// PushedOptions but not applied.
func (e *ProtoEngine) ProcessPush(payload []byte) (*PushedOptions, error) {
	po, err := ParsePushReply(string(payload))
	if err != nil {
		return nil, err
	}
	if e.primary != nil && e.primary.dataCrypt != nil {
		dc := e.primary.dataCrypt
		dc.cfg.CompStub = po.CompStub
		if po.MssFix > 0 {
			dc.cfg.MssFix = po.MssFix
		}
		if po.PeerID > 0 {
			dc.cfg.PeerID = uint32(po.PeerID)
		}
	}
	if po.Cipher != "" {
		e.cfg.Data.CipherAlg = po.Cipher
	}
	if po.Auth != "" {
		e.cfg.Data.HMACAlg = po.Auth
	}
	if po.PingSeconds > 0 {
		e.cfg.KeepaliveInterval = time.Duration(po.PingSeconds) * time.Second
	}
	if po.PingRestart > 0 {
		e.cfg.KeepaliveTimeout = time.Duration(po.PingRestart) * time.Second
	}
	if po.RenegSec > 0 {
		e.cfg.Renegotiate = time.Duration(po.RenegSec) * time.Second
		if e.primary != nil {
			e.primary.renegotiate = e.cfg.Renegotiate
		}
	}
	return po, nil
}
