package ovpn

import (
	"testing"
	"time"
)

func newTestKeyContext(t *testing.T, mode Mode) *KeyContext {
	t.Helper()
	wrap, err := newCtrlWrap(CtrlWrapPlain, CtrlWrapKeys{}, testCryptoProvider{}, "", "")
	if err != nil {
		t.Fatalf("newCtrlWrap: %v", err)
	}
	cfg := KeyContextConfig{KeyID: 0, Mode: mode, HandshakeWindow: time.Minute, BecomePrimary: time.Second, Renegotiate: time.Hour}
	now := time.Unix(1000, 0)
	return newKeyContext(cfg, &testSslSession{}, wrap, ProtoSessionID{}, NewStats(), now)
}

func TestKeyContextAdvanceHandshakeCompletesImmediately(t *testing.T) {
	kc := newTestKeyContext(t, ModeClient)
	now := time.Unix(1000, 0)
	done, err := kc.advanceHandshake(now)
	if err != nil {
		t.Fatalf("advanceHandshake: %v", err)
	}
	if !done {
		t.Fatalf("expected handshake to complete on first call against testSslSession")
	}
	if kc.State() != kcStateActive {
		t.Fatalf("got state %q, want active", kc.State())
	}
}

func TestKeyContextHandshakeWindowExpiry(t *testing.T) {
	kc := newTestKeyContext(t, ModeClient)
	kc.tls = &blockingSslSession{}
	now := time.Unix(1000, 0)
	if _, err := kc.advanceHandshake(now); err != nil {
		t.Fatalf("advanceHandshake: %v", err)
	}
	if kc.State() != kcStateNegotiating {
		t.Fatalf("got state %q, want negotiating", kc.State())
	}

	late := now.Add(2 * time.Minute)
	_, err := kc.advanceHandshake(late)
	if err == nil {
		t.Fatalf("expected handshake window expiry error")
	}
	pe, ok := err.(*ProtoError)
	if !ok || pe.Kind != ErrKevNegotiate {
		t.Fatalf("got err %v, want ErrKevNegotiate", err)
	}
	if kc.State() != kcStateExpired {
		t.Fatalf("got state %q, want expired", kc.State())
	}
}

func TestKeyContextBecomePrimaryAndRenegotiate(t *testing.T) {
	kc := newTestKeyContext(t, ModeClient)
	now := time.Unix(1000, 0)
	if _, err := kc.advanceHandshake(now); err != nil {
		t.Fatalf("advanceHandshake: %v", err)
	}
	if err := kc.becomePrimary(); err != nil {
		t.Fatalf("becomePrimary: %v", err)
	}
	if kc.State() != kcStatePrimary {
		t.Fatalf("got state %q, want primary", kc.State())
	}
	if kc.needsRenegotiate(now) {
		t.Fatalf("should not need renegotiation immediately")
	}

	later := now.Add(2 * time.Hour)
	if !kc.needsRenegotiate(later) {
		t.Fatalf("expected renegotiation needed once renegotiateAt has passed")
	}

	if err := kc.markExpiring(later); err != nil {
		t.Fatalf("markExpiring: %v", err)
	}
	if kc.State() != kcStateExpiring {
		t.Fatalf("got state %q, want expiring", kc.State())
	}

	stillGrace, err := kc.checkExpire(later)
	if err != nil || stillGrace {
		t.Fatalf("should still be within the expire grace period")
	}
	expired, err := kc.checkExpire(later.Add(5 * time.Second))
	if err != nil {
		t.Fatalf("checkExpire: %v", err)
	}
	if !expired || !kc.isExpired() {
		t.Fatalf("expected KeyContext to expire after its grace period")
	}
}

func TestKeyContextAuthPayloadRoundTrip(t *testing.T) {
	kc := newTestKeyContext(t, ModeClient)
	cfg := OptionsConfig{ProtoVersion: 4, Cipher: "AES-256-GCM", Auth: "SHA256", PeerInfo: map[string]string{"IV_PLAT": "linux"}}
	payload := kc.buildAuthPayload(cfg)

	other := newTestKeyContext(t, ModeServer)
	other.consumeAuthPayload(payload)
	if other.remoteOptions != kc.localOptions {
		t.Fatalf("got remote options %q, want %q", other.remoteOptions, kc.localOptions)
	}
	if other.peerInfo["IV_PLAT"] != "linux" {
		t.Fatalf("got peer info %v, missing IV_PLAT", other.peerInfo)
	}
}

func TestKeyContextDeriveDataKeys(t *testing.T) {
	kc := newTestKeyContext(t, ModeClient)
	now := time.Unix(1000, 0)
	if _, err := kc.advanceHandshake(now); err != nil {
		t.Fatalf("advanceHandshake: %v", err)
	}
	cfg := DataCryptConfig{Family: DataCipherAEAD, CipherAlg: "AES-256-GCM", ReplayWindow: defaultReplayWindow}
	if err := kc.deriveDataKeys(testCryptoProvider{}, cfg); err != nil {
		t.Fatalf("deriveDataKeys: %v", err)
	}
	if kc.dataCrypt == nil {
		t.Fatalf("expected dataCrypt to be populated")
	}
	wire, err := kc.dataCrypt.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(wire) == 0 {
		t.Fatalf("expected non-empty wire bytes")
	}
}

func TestKeyContextQueueDrainAcks(t *testing.T) {
	kc := newTestKeyContext(t, ModeClient)
	kc.queueAck(1)
	kc.queueAck(2)
	kc.queueAck(1) // duplicate, should not be added twice
	acks := kc.drainAcks()
	if len(acks) != 2 || acks[0] != 1 || acks[1] != 2 {
		t.Fatalf("got %v, want [1 2]", acks)
	}
	if len(kc.drainAcks()) != 0 {
		t.Fatalf("expected acks queue to be empty after draining")
	}
}

// blockingSslSession never completes its handshake, for exercising
// handshake window expiry.
type blockingSslSession struct{}

func (s *blockingSslSession) Handshake() (bool, error)                { return false, nil }
func (s *blockingSslSession) ReadCleartext(buf []byte) (int, error)   { return 0, nil }
func (s *blockingSslSession) WriteCleartext(buf []byte) (int, error)  { return len(buf), nil }
func (s *blockingSslSession) ReadCiphertext(buf []byte) (int, error)  { return 0, nil }
func (s *blockingSslSession) WriteCiphertext(buf []byte) (int, error) { return len(buf), nil }
func (s *blockingSslSession) ExportKeyingMaterial(label string, length int) ([]byte, error) {
	return make([]byte, length), nil
}
