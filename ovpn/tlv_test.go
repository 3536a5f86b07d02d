package ovpn

import "testing"

func TestEarlyNegTLVRoundTrip(t *testing.T) {
	tlvs := []earlyNegTLV{
		newEarlyNegFlagsTLV(true),
	}
	b := marshalEarlyNegTLVs(tlvs)

	got, err := parseEarlyNegTLVs(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d tlvs, want 1", len(got))
	}
	flags, ok := earlyNegFlagsFrom(got)
	if !ok {
		t.Fatalf("expected flags tlv present")
	}
	if flags&earlyNegFlagResendWKC == 0 {
		t.Fatalf("expected resend-wkc flag set")
	}
}

func TestEarlyNegTLVNoFlags(t *testing.T) {
	tlvs := []earlyNegTLV{newEarlyNegFlagsTLV(false)}
	b := marshalEarlyNegTLVs(tlvs)
	got, err := parseEarlyNegTLVs(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	flags, ok := earlyNegFlagsFrom(got)
	if !ok {
		t.Fatalf("expected flags tlv present")
	}
	if flags != 0 {
		t.Fatalf("got flags %#x, want 0", flags)
	}
}

func TestParseEarlyNegTLVsTruncated(t *testing.T) {
	if _, err := parseEarlyNegTLVs([]byte{0, 1, 0}); err == nil {
		t.Fatalf("expected error for truncated tlv header")
	}
	if _, err := parseEarlyNegTLVs([]byte{0, 1, 0, 4, 0}); err == nil {
		t.Fatalf("expected error for truncated tlv value")
	}
}
