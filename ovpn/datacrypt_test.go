package ovpn

import (
	"bytes"
	"testing"
	"time"
)

func newTestDataCrypt(t *testing.T, family DataCipherFamily) (*DataCrypt, *DataCrypt) {
	t.Helper()
	cfg := DataCryptConfig{Family: family, CipherAlg: "AES-256-GCM", HMACAlg: "SHA256", ReplayWindow: defaultReplayWindow}
	sendKey := []byte("sendkeysendkeysendkeysendkeysend")
	recvKey := []byte("recvkeyrecvkeyrecvkeyrecvkeyrecv")
	sendHMAC := []byte("sendhmac")
	recvHMAC := []byte("recvhmac")

	// a's send key is b's recv key, and vice versa, so the two form a pair.
	a, err := NewDataCrypt(cfg, testCryptoProvider{}, sendKey, recvKey, sendHMAC, recvHMAC)
	if err != nil {
		t.Fatalf("NewDataCrypt a: %v", err)
	}
	b, err := NewDataCrypt(cfg, testCryptoProvider{}, recvKey, sendKey, recvHMAC, sendHMAC)
	if err != nil {
		t.Fatalf("NewDataCrypt b: %v", err)
	}
	return a, b
}

func TestDataCryptAEADRoundTrip(t *testing.T) {
	a, b := newTestDataCrypt(t, DataCipherAEAD)
	wire, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(wire, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("got %q, want payload", pt)
	}
}

func TestDataCryptCBCHMACRoundTrip(t *testing.T) {
	a, b := newTestDataCrypt(t, DataCipherCBCHMAC)
	wire, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(wire, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("got %q, want payload", pt)
	}
}

func TestDataCryptCompStubRoundTrip(t *testing.T) {
	cfg := DataCryptConfig{Family: DataCipherAEAD, CipherAlg: "AES-256-GCM", ReplayWindow: defaultReplayWindow, CompStub: true}
	key := []byte("sendkeysendkeysendkeysendkeysend")
	a, err := NewDataCrypt(cfg, testCryptoProvider{}, key, key, nil, nil)
	if err != nil {
		t.Fatalf("NewDataCrypt: %v", err)
	}
	b, err := NewDataCrypt(cfg, testCryptoProvider{}, key, key, nil, nil)
	if err != nil {
		t.Fatalf("NewDataCrypt: %v", err)
	}
	wire, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(wire, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("got %q, want payload", pt)
	}
}

func TestDataCryptReplayRejected(t *testing.T) {
	a, b := newTestDataCrypt(t, DataCipherAEAD)
	wire, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(wire, time.Unix(0, 0)); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := b.Decrypt(wire, time.Unix(0, 0)); err == nil {
		t.Fatalf("expected replay rejection on second decrypt of same wire bytes")
	}
}

func TestDataCryptByteLimitReached(t *testing.T) {
	cfg := DataCryptConfig{Family: DataCipherAEAD, CipherAlg: "AES-256-GCM", ReplayWindow: defaultReplayWindow, ByteLimit: 4}
	key := []byte("sendkeysendkeysendkeysendkeysend")
	a, err := NewDataCrypt(cfg, testCryptoProvider{}, key, key, nil, nil)
	if err != nil {
		t.Fatalf("NewDataCrypt: %v", err)
	}
	if a.ByteLimitReached() {
		t.Fatalf("limit should not be reached before any traffic")
	}
	if _, err := a.Encrypt([]byte("payload")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !a.ByteLimitReached() {
		t.Fatalf("expected byte limit reached after encrypting more than the limit")
	}
}

func buildIPv4TCPSynMSS(mss uint16) []byte {
	packet := make([]byte, 44)
	packet[0] = 0x45 // version 4, IHL 5
	packet[9] = 6    // TCP
	copy(packet[12:16], []byte{10, 0, 0, 1})
	copy(packet[16:20], []byte{10, 0, 0, 2})

	tcp := packet[20:]
	tcp[12] = 6 << 4 // data offset: 6 words (20 byte header + 4 byte options)
	tcp[13] = 0x02   // SYN
	// MSS option: kind=2, len=4, value
	tcp[20] = 2
	tcp[21] = 4
	tcp[22] = byte(mss >> 8)
	tcp[23] = byte(mss)
	return packet
}

func TestFixMSSClampsOption(t *testing.T) {
	packet := buildIPv4TCPSynMSS(1460)
	out := FixMSS(packet, 1350)
	tcp := out[20:]
	got := uint16(tcp[22])<<8 | uint16(tcp[23])
	if got != 1350 {
		t.Fatalf("got mss %d, want 1350", got)
	}
}

func TestFixMSSLeavesLowerOptionAlone(t *testing.T) {
	packet := buildIPv4TCPSynMSS(1200)
	out := FixMSS(packet, 1350)
	tcp := out[20:]
	got := uint16(tcp[22])<<8 | uint16(tcp[23])
	if got != 1200 {
		t.Fatalf("got mss %d, want unchanged 1200", got)
	}
}

func TestFixMSSIgnoresNonSyn(t *testing.T) {
	packet := buildIPv4TCPSynMSS(1460)
	packet[20+13] = 0x10 // ACK, not SYN
	before := append([]byte(nil), packet...)
	out := FixMSS(packet, 1350)
	if !bytes.Equal(out, before) {
		t.Fatalf("non-SYN packet should be left unmodified")
	}
}
