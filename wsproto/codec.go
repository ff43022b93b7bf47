package wsproto

import (
	"encoding/binary"

	"github.com/emberhttpd/ember/api"
)

// ParseFrame decodes one frame from the head of raw, returning the
// frame and the number of bytes it consumed. It returns (nil, 0, nil)
// if raw does not yet contain a complete frame — the caller should
// buffer more bytes and retry, mirroring httpparser's incremental-feed
// contract.
//
// role is the frame's expected origin: RoleServer means decoding
// frames received BY a server (must be masked); RoleClient means
// decoding frames received BY a client (must be unmasked).
func ParseFrame(raw []byte, role Role) (*Frame, int, *api.Error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}

	b0, b1 := raw[0], raw[1]
	f := &Frame{
		Fin:    b0&finBit != 0,
		RSV1:   b0&0x40 != 0,
		RSV2:   b0&0x20 != 0,
		RSV3:   b0&0x10 != 0,
		Opcode: Opcode(b0 & 0x0F),
		Masked: b1&maskBit != 0,
	}

	if f.RSV1 || f.RSV2 || f.RSV3 {
		return nil, 0, api.New(api.CodeWSFrame, "reserved bits set without a negotiated extension")
	}
	switch f.Opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
	default:
		return nil, 0, api.New(api.CodeWSInvalidOpcode, "unknown WebSocket opcode")
	}

	// RFC 6455 §5.1: server receives only masked frames, client only
	// unmasked ones.
	if role == RoleServer && !f.Masked {
		return nil, 0, api.New(api.CodeWSFrame, "server received unmasked frame")
	}
	if role == RoleClient && f.Masked {
		return nil, 0, api.New(api.CodeWSFrame, "client received masked frame")
	}

	offset := 2
	length := int64(b1 & 0x7F)
	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
	}
	if length < 0 {
		return nil, 0, api.New(api.CodeWSFrame, "negative frame length")
	}
	if length > MaxFramePayload {
		return nil, 0, api.New(api.CodeWSTooLarge, "frame payload exceeds configured maximum")
	}
	if f.Opcode.IsControl() && (length > MaxControlPayloadLen || !f.Fin) {
		return nil, 0, api.New(api.CodeWSFrame, "control frame too large or fragmented")
	}

	if f.Masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(f.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if f.Masked {
		unmask(payload, f.MaskKey)
	}
	f.Payload = payload

	return f, total, nil
}

// BuildFrame serializes f for transmission by role, masking the
// payload and setting the mask bit when role is RoleClient (RFC 6455
// requires every client-to-server frame masked, and forbids masking
// server-to-client frames).
func BuildFrame(opcode Opcode, payload []byte, fin bool, role Role) ([]byte, *api.Error) {
	plen := len(payload)
	if int64(plen) > MaxFramePayload {
		return nil, api.New(api.CodeWSTooLarge, "payload exceeds maximum frame size")
	}
	if opcode.IsControl() && plen > MaxControlPayloadLen {
		return nil, api.New(api.CodeWSFrame, "control frame payload exceeds 125 bytes")
	}

	b0 := byte(opcode)
	if fin {
		b0 |= finBit
	}

	masked := role == RoleClient
	var maskKey [4]byte
	if masked {
		maskKey = newMaskKey()
	}

	var hdr []byte
	switch {
	case plen <= 125:
		hdr = []byte{b0, lengthByte(plen, masked)}
	case plen <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0] = b0
		hdr[1] = lengthByte(126, masked)
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
	default:
		hdr = make([]byte, 10)
		hdr[0] = b0
		hdr[1] = lengthByte(127, masked)
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
	}

	out := make([]byte, 0, len(hdr)+4+plen)
	out = append(out, hdr...)
	if masked {
		out = append(out, maskKey[:]...)
		masked := make([]byte, plen)
		copy(masked, payload)
		unmask(masked, maskKey)
		out = append(out, masked...)
	} else {
		out = append(out, payload...)
	}
	return out, nil
}

func lengthByte(length int, masked bool) byte {
	b := byte(length)
	if masked {
		b |= maskBit
	}
	return b
}

// unmask XORs data with key cycling every 4 bytes (RFC 6455 §5.3);
// masking and unmasking are the same operation.
func unmask(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}
