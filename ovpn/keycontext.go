package ovpn

import (
	"fmt"
	"time"
)

// Key context states, driving the per-KeyContext fsm. Names mirror
// the KEV_* event vocabulary.
const (
	kcStateInitial        = "initial"
	kcStateNegotiating    = "negotiating"
	kcStateActive         = "active"
	kcStatePrimaryPending = "primary-pending"
	kcStatePrimary        = "primary"
	kcStateExpiring       = "expiring"
	kcStateExpired        = "expired"
)

// KEV_* event names.
const (
	kevActive           = "KEV_ACTIVE"
	kevNegotiate        = "KEV_NEGOTIATE"
	kevBecomePrimary    = "KEV_BECOME_PRIMARY"
	kevPrimaryPending   = "KEV_PRIMARY_PENDING"
	kevRenegotiate      = "KEV_RENEGOTIATE"
	kevRenegotiateForce = "KEV_RENEGOTIATE_FORCE"
	kevRenegotiateQueue = "KEV_RENEGOTIATE_QUEUE"
	kevExpire           = "KEV_EXPIRE"
)

// KeyContext owns one TLS session and its derived data channel keys,
// plus the control-channel reliability state needed to drive that
// session's handshake to completion. A
// ProtoEngine holds at most two: a primary and, during renegotiation,
// a secondary being negotiated in parallel.
type KeyContext struct {
	keyID KeyID
	mode  Mode

	fsm *fsm

	tls       SslSession
	tlsDone   bool
	ctrlWrap  *ctrlWrap
	reliSend  *reliabilitySend
	reliRecv  *reliabilityRecv
	dataCrypt *DataCrypt

	localPsid  ProtoSessionID
	remotePsid ProtoSessionID
	haveRemote bool

	localOptions  string
	remoteOptions string
	peerInfo      map[string]string

	constructedAt   time.Time
	handshakeWindow time.Duration
	becomePrimaryIn time.Duration
	renegotiate     time.Duration
	becomePrimaryAt time.Time
	expireAt        time.Time
	renegotiateAt   time.Time
	havePending     bool
	pendingQueued   bool

	pendingAcks []uint32

	stats *Stats
}

// queueAck records a received message id as owed an acknowledgement
// on this KeyContext's next outgoing packet.
func (kc *KeyContext) queueAck(id uint32) {
	for _, existing := range kc.pendingAcks {
		if existing == id {
			return
		}
	}
	kc.pendingAcks = append(kc.pendingAcks, id)
}

// drainAcks returns up to maxAcksPerPacket pending ack ids and
// removes them from the queue.
func (kc *KeyContext) drainAcks() []uint32 {
	n := len(kc.pendingAcks)
	if n > maxAcksPerPacket {
		n = maxAcksPerPacket
	}
	out := kc.pendingAcks[:n]
	kc.pendingAcks = kc.pendingAcks[n:]
	return out
}

// KeyContextConfig carries the fixed parameters of a new KeyContext,
// mostly taken from EngineConfig and negotiation config.
type KeyContextConfig struct {
	KeyID           KeyID
	Mode            Mode
	HandshakeWindow time.Duration
	BecomePrimary   time.Duration
	Renegotiate     time.Duration
}

// newKeyContext constructs a fresh KeyContext in the initial state,
// ready to drive tls through its handshake once the engine starts
// feeding it control packets.
func newKeyContext(cfg KeyContextConfig, tls SslSession, wrap *ctrlWrap, localPsid ProtoSessionID, stats *Stats, now time.Time) *KeyContext {
	if cfg.HandshakeWindow == 0 {
		cfg.HandshakeWindow = defaultHandshakeWindow
	}
	if cfg.BecomePrimary == 0 {
		cfg.BecomePrimary = defaultBecomePrimary
	}
	if cfg.Renegotiate == 0 {
		cfg.Renegotiate = defaultRenegotiate
	}

	kc := &KeyContext{
		keyID:           cfg.KeyID,
		mode:            cfg.Mode,
		tls:             tls,
		ctrlWrap:        wrap,
		reliSend:        newReliabilitySend(defaultReliabilityWindow),
		reliRecv:        newReliabilityRecv(defaultReliabilityWindow),
		localPsid:       localPsid,
		constructedAt:   now,
		handshakeWindow: cfg.HandshakeWindow,
		becomePrimaryIn: cfg.BecomePrimary,
		renegotiate:     cfg.Renegotiate,
		stats:           stats,
	}
	kc.fsm = kc.newFSM()
	return kc
}

// newFSM builds the table-driven state machine for this KeyContext:
// one eventDesc per legal transition, with a callback closing over kc
// to run the transition's side effect.
func (kc *KeyContext) newFSM() *fsm {
	return &fsm{
		current: kcStateInitial,
		table: []eventDesc{
			{from: kcStateInitial, to: kcStateNegotiating, events: []string{kevNegotiate}},
			{from: kcStateNegotiating, to: kcStateActive, events: []string{kevActive}, cb: func(args []interface{}) {
				var now time.Time
				if len(args) > 0 {
					now, _ = args[0].(time.Time)
				}
				kc.onActive(now)
			}},
			{from: kcStateActive, to: kcStatePrimaryPending, events: []string{kevPrimaryPending}, cb: func(args []interface{}) {
				kc.havePending = true
			}},
			{from: kcStatePrimaryPending, to: kcStatePrimary, events: []string{kevBecomePrimary}},
			{from: kcStateActive, to: kcStatePrimary, events: []string{kevBecomePrimary}},
			{from: kcStatePrimary, to: kcStateExpiring, events: []string{kevRenegotiate, kevRenegotiateForce}, cb: func(args []interface{}) {
				if kc.stats != nil {
					kc.stats.RecordRenegotiation()
				}
			}},
			{from: kcStatePrimaryPending, to: kcStatePrimaryPending, events: []string{kevRenegotiateQueue}, cb: func(args []interface{}) {
				kc.pendingQueued = true
			}},
			{from: kcStateExpiring, to: kcStateExpired, events: []string{kevExpire}},
			{from: kcStateActive, to: kcStateExpired, events: []string{kevExpire}},
			{from: kcStateNegotiating, to: kcStateExpired, events: []string{kevExpire}},
		},
	}
}

func (kc *KeyContext) onActive(now time.Time) {
	elapsed := now.Sub(kc.constructedAt).Seconds()
	if kc.stats != nil {
		kc.stats.RecordNegotiation(elapsed)
	}
}

// State returns the KeyContext's current fsm state.
func (kc *KeyContext) State() string {
	return kc.fsm.current
}

// handleEvent drives the fsm; errors indicate a KEV_* event arrived
// while the KeyContext was in a state that doesn't expect it, which
// the engine surfaces as an ErrKevNegotiate.
func (kc *KeyContext) handleEvent(event string, args ...interface{}) error {
	if err := kc.fsm.handleEvent(event, args...); err != nil {
		return &ProtoError{Kind: ErrKevNegotiate, Err: err}
	}
	return nil
}

// advanceHandshake drives the TLS handshake forward and, once
// complete, fires KEV_ACTIVE. It returns true once the handshake has
// completed, whether on this call or an earlier one.
func (kc *KeyContext) advanceHandshake(now time.Time) (bool, error) {
	if kc.tlsDone {
		return true, nil
	}
	if kc.fsm.current == kcStateInitial {
		if err := kc.handleEvent(kevNegotiate); err != nil {
			return false, err
		}
	}

	done, err := kc.tls.Handshake()
	if err != nil {
		return false, &ProtoError{Kind: ErrKevNegotiate, Err: err}
	}
	if !done {
		if now.Sub(kc.constructedAt) > kc.handshakeWindow {
			_ = kc.handleEvent(kevExpire)
			return false, &ProtoError{Kind: ErrKevNegotiate, Err: fmt.Errorf("handshake window elapsed")}
		}
		return false, nil
	}

	kc.tlsDone = true
	if err := kc.handleEvent(kevActive, now); err != nil {
		return false, err
	}

	kc.becomePrimaryAt = now.Add(kc.becomePrimaryIn)
	if kc.renegotiate > 0 {
		kc.renegotiateAt = now.Add(kc.renegotiate)
	}
	return true, nil
}

// schedulePrimaryPending transitions an ACTIVE secondary KeyContext
// into PRIMARY_PENDING once becomePrimaryAt has arrived, or re-arms
// the deadline at 2x the handshake window if the peer hasn't
// acknowledged the swap yet, matching the reference implementation's
// prepare_expire re-arm behavior.
func (kc *KeyContext) schedulePrimaryPending(now time.Time) error {
	if kc.fsm.current != kcStateActive {
		return nil
	}
	if now.Before(kc.becomePrimaryAt) {
		return nil
	}
	if err := kc.handleEvent(kevPrimaryPending); err != nil {
		return err
	}
	kc.becomePrimaryAt = now.Add(kc.handshakeWindow * 2)
	return nil
}

// becomePrimary completes the swap of a PRIMARY_PENDING KeyContext to
// PRIMARY, or of a freshly ACTIVE one when no swap negotiation is in
// play (e.g. the very first KeyContext of a session).
func (kc *KeyContext) becomePrimary() error {
	return kc.handleEvent(kevBecomePrimary)
}

// expireGrace is the delay after a swap before the old primary
// KeyContext is torn down, per the reference implementation's
// prepare_expire: 2 seconds on the server side, 1 second on the
// client side, to give in-flight packets encrypted under the old key
// a chance to arrive.
func (kc *KeyContext) expireGrace() time.Duration {
	if kc.mode == ModeServer {
		return 2 * time.Second
	}
	return 1 * time.Second
}

// markExpiring starts the old-primary grace countdown after a
// replacement KeyContext has become primary.
func (kc *KeyContext) markExpiring(now time.Time) error {
	if err := kc.handleEvent(kevRenegotiate); err != nil {
		return err
	}
	kc.expireAt = now.Add(kc.expireGrace())
	return nil
}

// checkExpire fires KEV_EXPIRE once expireAt has passed for a
// KeyContext in the EXPIRING state.
func (kc *KeyContext) checkExpire(now time.Time) (bool, error) {
	if kc.fsm.current != kcStateExpiring {
		return false, nil
	}
	if now.Before(kc.expireAt) {
		return false, nil
	}
	if err := kc.handleEvent(kevExpire); err != nil {
		return false, err
	}
	return true, nil
}

// needsRenegotiate reports whether this PRIMARY KeyContext has
// crossed its wall-clock renegotiation deadline, its data channel's
// byte limit, or its data channel's packet-id wrap-warning mark.
func (kc *KeyContext) needsRenegotiate(now time.Time) bool {
	if kc.fsm.current != kcStatePrimary {
		return false
	}
	if kc.renegotiate > 0 && !kc.renegotiateAt.IsZero() && now.After(kc.renegotiateAt) {
		return true
	}
	if kc.dataCrypt != nil && (kc.dataCrypt.ByteLimitReached() || kc.dataCrypt.idSend.WrapWarning()) {
		return true
	}
	return false
}

// isExpired reports whether this KeyContext has reached its terminal
// state and should be dropped by the engine.
func (kc *KeyContext) isExpired() bool {
	return kc.fsm.current == kcStateExpired
}

// buildAuthPayload renders the cleartext AUTH-phase payload this
// KeyContext writes over its TLS session once the handshake
// completes: the local options string followed by the peer-info
// block.
func (kc *KeyContext) buildAuthPayload(cfg OptionsConfig) []byte {
	kc.localOptions = BuildOptionsString(cfg)
	payload := kc.localOptions + "\n" + BuildPeerInfo(cfg)
	return []byte(payload)
}

// consumeAuthPayload parses a peer's AUTH-phase payload, splitting
// the leading options-string line from the peer-info block that
// follows it.
func (kc *KeyContext) consumeAuthPayload(b []byte) {
	s := string(b)
	line, rest, _ := cutLine(s)
	kc.remoteOptions = line
	kc.peerInfo = ParsePeerInfo(rest)
}

// dataKeyMaterialLen is the number of exported bytes split into the
// four directional keys (AEAD: send/recv cipher keys; CBC+HMAC:
// send/recv cipher keys plus send/recv HMAC keys use the same split,
// with the HMAC halves simply unused by an AEAD DataCrypt).
const dataKeyMaterialLen = 256

// deriveDataKeys exports fresh data channel key material from the
// completed TLS session via the RFC 5705 exporter and builds this
// KeyContext's DataCrypt. This is the only data channel key source
// this engine implements; the legacy random-block key exchange is not
// supported.
func (kc *KeyContext) deriveDataKeys(provider CryptoProvider, cfg DataCryptConfig) error {
	label := fmt.Sprintf("EXPORTER-go-ovpn-datakeys-%d", kc.keyID)
	material, err := kc.tls.ExportKeyingMaterial(label, dataKeyMaterialLen)
	if err != nil {
		return &ProtoError{Kind: ErrKevNegotiate, Err: fmt.Errorf("export data keys: %v", err)}
	}
	if len(material) < dataKeyMaterialLen {
		return &ProtoError{Kind: ErrKevNegotiate, Err: fmt.Errorf("short exported key material: %d bytes", len(material))}
	}
	quarter := dataKeyMaterialLen / 4
	clientKey := material[0*quarter : 1*quarter]
	serverKey := material[1*quarter : 2*quarter]
	clientHMAC := material[2*quarter : 3*quarter]
	serverHMAC := material[3*quarter : 4*quarter]

	sendKey, recvKey := clientKey, serverKey
	sendHMAC, recvHMAC := clientHMAC, serverHMAC
	if kc.mode == ModeServer {
		sendKey, recvKey = serverKey, clientKey
		sendHMAC, recvHMAC = serverHMAC, clientHMAC
	}

	cfg.KeyID = kc.keyID
	dc, err := NewDataCrypt(cfg, provider, sendKey, recvKey, sendHMAC, recvHMAC)
	if err != nil {
		return &ProtoError{Kind: ErrKevNegotiate, Err: err}
	}
	kc.dataCrypt = dc
	return nil
}

func cutLine(s string) (line, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
