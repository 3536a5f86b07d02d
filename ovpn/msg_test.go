package ovpn

import (
	"bytes"
	"testing"
)

func TestControlPacketMarshalUnmarshalAckOnly(t *testing.T) {
	var src ProtoSessionID
	copy(src[:], []byte("01234567"))

	m := &controlPacket{op: opcodeAckV1, keyID: 2, srcPsid: src, acks: []uint32{1, 2, 3}, dstPsid: src}
	b, err := m.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := parseControlPacket(opcodeAckV1, 2, b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.srcPsid != src {
		t.Fatalf("got srcPsid %v, want %v", got.srcPsid, src)
	}
	if len(got.acks) != 3 || got.acks[0] != 1 || got.acks[2] != 3 {
		t.Fatalf("got acks %v, want [1 2 3]", got.acks)
	}
	if !got.haveDst || got.dstPsid != src {
		t.Fatalf("expected dst psid to round-trip")
	}
	if len(got.payload) != 0 {
		t.Fatalf("ack-only packet should have no payload")
	}
}

func TestControlPacketMarshalUnmarshalWithPayload(t *testing.T) {
	var src ProtoSessionID
	copy(src[:], []byte("abcdefgh"))

	m := &controlPacket{op: opcodeControlV1, keyID: 0, srcPsid: src, msgID: 42, payload: []byte("hello")}
	b, err := m.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := parseControlPacket(opcodeControlV1, 0, b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.msgID != 42 {
		t.Fatalf("got msgID %d, want 42", got.msgID)
	}
	if !bytes.Equal(got.payload, []byte("hello")) {
		t.Fatalf("got payload %q, want hello", got.payload)
	}
	if got.haveDst {
		t.Fatalf("no dst psid expected with zero acks")
	}
}

func TestControlPacketTooManyAcks(t *testing.T) {
	var src ProtoSessionID
	acks := make([]uint32, maxAcksPerPacket+1)
	m := &controlPacket{op: opcodeAckV1, srcPsid: src, acks: acks, dstPsid: src}
	if _, err := m.marshal(); err == nil {
		t.Fatalf("expected error for too many acks")
	}
}

func TestParseControlPacketTruncated(t *testing.T) {
	if _, err := parseControlPacket(opcodeControlV1, 0, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated packet")
	}
}
