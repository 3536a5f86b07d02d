package ovpn

import (
	"testing"
	"time"
)

func TestPacketIDSendNext(t *testing.T) {
	p := newPacketIDSend(packetIDShortForm, false, 0)
	for i := uint64(1); i <= 3; i++ {
		id, _, err := p.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if id != i {
			t.Fatalf("got id %d, want %d", id, i)
		}
	}
}

func TestPacketIDSendWrapWarning(t *testing.T) {
	p := newPacketIDSend(packetIDShortForm, false, 0)
	p.id = uint64(packetIDWrapWarningMark) - 1
	if p.WrapWarning() {
		t.Fatalf("wrap warning set too early")
	}
	if _, _, err := p.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !p.WrapWarning() {
		t.Fatalf("wrap warning not set at high-water mark")
	}
}

func TestPacketIDSendWrapError(t *testing.T) {
	p := newPacketIDSend(packetIDShortForm, false, 0)
	p.id = uint64(1)<<32 - 1
	if _, _, err := p.Next(); err != errPacketIDWrap {
		t.Fatalf("got err %v, want errPacketIDWrap", err)
	}
}

func TestPacketIDSendMarshal(t *testing.T) {
	p := newPacketIDSend(packetIDLongForm, false, 0)
	b := p.Marshal(1, 0x01020304)
	if len(b) != packetIDLongLen {
		t.Fatalf("got length %d, want %d", len(b), packetIDLongLen)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x00, 0x01}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, b[i], want[i])
		}
	}
}

func TestPacketIDRecvSequential(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 64, 0)
	for i := uint32(1); i <= 5; i++ {
		if res := r.TestAdd(i, 0, time.Time{}, true); res != recvSuccess {
			t.Fatalf("id %d: got %v, want SUCCESS", i, res)
		}
	}
}

func TestPacketIDRecvReplay(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 64, 0)
	r.TestAdd(5, 0, time.Time{}, true)
	if res := r.TestAdd(5, 0, time.Time{}, true); res != recvReplay {
		t.Fatalf("got %v, want REPLAY", res)
	}
}

func TestPacketIDRecvBacktrack(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 8, 0)
	r.TestAdd(100, 0, time.Time{}, true)
	if res := r.TestAdd(1, 0, time.Time{}, true); res != recvBacktrack {
		t.Fatalf("got %v, want BACKTRACK", res)
	}
}

func TestPacketIDRecvOutOfOrderWithinWindow(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 64, 0)
	r.TestAdd(10, 0, time.Time{}, true)
	if res := r.TestAdd(8, 0, time.Time{}, true); res != recvSuccess {
		t.Fatalf("id 8: got %v, want SUCCESS", res)
	}
	if res := r.TestAdd(8, 0, time.Time{}, true); res != recvReplay {
		t.Fatalf("id 8 replay: got %v, want REPLAY", res)
	}
}

func TestPacketIDRecvZeroInvalid(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 64, 0)
	if res := r.TestAdd(0, 0, time.Time{}, true); res != recvInvalid {
		t.Fatalf("got %v, want INVALID", res)
	}
}

func TestPacketIDRecvWindowSlide(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 8, 0)
	r.TestAdd(1, 0, time.Time{}, true)
	r.TestAdd(20, 0, time.Time{}, true) // slides window far forward
	if res := r.TestAdd(19, 0, time.Time{}, true); res != recvSuccess {
		t.Fatalf("id 19: got %v, want SUCCESS", res)
	}
	if res := r.TestAdd(19, 0, time.Time{}, true); res != recvReplay {
		t.Fatalf("id 19 replay: got %v, want REPLAY", res)
	}
}

func TestPacketIDRecvNoCommit(t *testing.T) {
	r := newPacketIDRecv(packetIDShortForm, 64, 0)
	if res := r.TestAdd(5, 0, time.Time{}, false); res != recvSuccess {
		t.Fatalf("got %v, want SUCCESS", res)
	}
	if _, ok := r.Highest(); ok {
		t.Fatalf("commit=false should not update window state")
	}
}
