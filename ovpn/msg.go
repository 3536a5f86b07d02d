package ovpn

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// controlPacket is the body of a control-channel packet before
// CtrlWrap applies tls-auth/tls-crypt/tls-crypt-v2 wrapping:
//
//	src_psid(8) ack_len(1) ack_ids(4*ack_len) [dst_psid(8) if ack_len>0]
//	[msg_id(4) payload(...) if opcode != ACK_V1]
type controlPacket struct {
	op      opcode
	keyID   KeyID
	srcPsid ProtoSessionID
	acks    []uint32
	dstPsid ProtoSessionID
	haveDst bool
	msgID   uint32
	payload []byte
}

// maxAcksPerPacket is the largest number of message ids that fit in a
// single ACK block.
const maxAcksPerPacket = 8

func (m *controlPacket) isAckOnly() bool {
	return m.op == opcodeAckV1
}

// marshal renders the control packet body, excluding the leading
// header byte (opcode|key_id), which CtrlWrap is responsible for
// placing according to the active wrapping mode.
func (m *controlPacket) marshal() ([]byte, error) {
	if len(m.acks) > maxAcksPerPacket {
		return nil, fmt.Errorf("too many acks in one packet: %d > %d", len(m.acks), maxAcksPerPacket)
	}

	buf := new(bytes.Buffer)
	buf.Write(m.srcPsid[:])
	buf.WriteByte(byte(len(m.acks)))
	for _, id := range m.acks {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], id)
		buf.Write(b[:])
	}
	if len(m.acks) > 0 {
		buf.Write(m.dstPsid[:])
	}
	if !m.isAckOnly() {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], m.msgID)
		buf.Write(b[:])
		buf.Write(m.payload)
	}
	return buf.Bytes(), nil
}

// parseControlPacket parses a control packet body given its already
// extracted opcode and key id.
func parseControlPacket(op opcode, keyID KeyID, b []byte) (*controlPacket, error) {
	if len(b) < protoSessionIDLen+1 {
		return nil, fmt.Errorf("truncated control packet: %d bytes", len(b))
	}

	m := &controlPacket{op: op, keyID: keyID}
	copy(m.srcPsid[:], b[:protoSessionIDLen])
	b = b[protoSessionIDLen:]

	ackLen := int(b[0])
	b = b[1:]
	if ackLen > maxAcksPerPacket {
		return nil, fmt.Errorf("malformed ack block: length %d exceeds maximum %d", ackLen, maxAcksPerPacket)
	}
	if len(b) < ackLen*4 {
		return nil, fmt.Errorf("truncated ack block: need %d bytes, have %d", ackLen*4, len(b))
	}
	for i := 0; i < ackLen; i++ {
		m.acks = append(m.acks, binary.BigEndian.Uint32(b[:4]))
		b = b[4:]
	}

	if ackLen > 0 {
		if len(b) < protoSessionIDLen {
			return nil, fmt.Errorf("truncated control packet: missing dst psid")
		}
		copy(m.dstPsid[:], b[:protoSessionIDLen])
		m.haveDst = true
		b = b[protoSessionIDLen:]
	}

	if !m.isAckOnly() {
		if len(b) < 4 {
			return nil, fmt.Errorf("truncated control packet: missing message id")
		}
		m.msgID = binary.BigEndian.Uint32(b[:4])
		m.payload = append([]byte(nil), b[4:]...)
	}

	return m, nil
}
