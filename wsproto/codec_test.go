package wsproto

import (
	"bytes"
	"testing"
)

func TestBuildParseRoundTripServerToClient(t *testing.T) {
	payload := []byte("hello world")
	raw, err := BuildFrame(OpcodeText, payload, true, RoleServer)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	f, n, perr := ParseFrame(raw, RoleClient)
	if perr != nil {
		t.Fatalf("ParseFrame failed: %v", perr)
	}
	if n != len(raw) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(raw), n)
	}
	if f.Masked {
		t.Fatal("server-to-client frame must not be masked")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", f.Payload, payload)
	}
}

func TestBuildParseRoundTripClientToServer(t *testing.T) {
	payload := []byte("ping from client")
	raw, err := BuildFrame(OpcodeBinary, payload, true, RoleClient)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	f, n, perr := ParseFrame(raw, RoleServer)
	if perr != nil {
		t.Fatalf("ParseFrame failed: %v", perr)
	}
	if n != len(raw) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(raw), n)
	}
	if !f.Masked {
		t.Fatal("client-to-server frame must be masked")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", f.Payload, payload)
	}
}

func TestParseFrameLargePayloadUses64BitLength(t *testing.T) {
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw, err := BuildFrame(OpcodeBinary, payload, true, RoleServer)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	f, n, perr := ParseFrame(raw, RoleClient)
	if perr != nil {
		t.Fatalf("ParseFrame failed: %v", perr)
	}
	if n != len(raw) {
		t.Fatalf("expected to consume all bytes")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatal("large payload round-trip mismatch")
	}
}

func TestParseFrameIncompleteReturnsZero(t *testing.T) {
	raw, err := BuildFrame(OpcodeText, []byte("full message"), true, RoleServer)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	f, n, perr := ParseFrame(raw[:3], RoleClient)
	if perr != nil {
		t.Fatalf("expected no error on incomplete frame, got %v", perr)
	}
	if f != nil || n != 0 {
		t.Fatalf("expected (nil, 0) for incomplete frame, got (%v, %d)", f, n)
	}
}

func TestParseFrameRejectsUnmaskedFromClient(t *testing.T) {
	raw, _ := BuildFrame(OpcodeText, []byte("x"), true, RoleServer)
	if _, _, perr := ParseFrame(raw, RoleServer); perr == nil {
		t.Fatal("expected error for unmasked frame presented to server role")
	}
}

func TestParseFrameRejectsMaskedFromServer(t *testing.T) {
	raw, _ := BuildFrame(OpcodeText, []byte("x"), true, RoleClient)
	if _, _, perr := ParseFrame(raw, RoleClient); perr == nil {
		t.Fatal("expected error for masked frame presented to client role")
	}
}

func TestParseFrameRejectsOversizedControlFrame(t *testing.T) {
	// Hand-craft a ping frame (opcode 0x9, fin set) claiming a 200-byte
	// payload via the 16-bit extended length form; RFC 6455 caps
	// control frames at 125 bytes regardless of the length encoding.
	raw := []byte{byte(OpcodePing) | finBit, 126, 0, 200}
	raw = append(raw, make([]byte, 200)...)
	if _, _, perr := ParseFrame(raw, RoleClient); perr == nil {
		t.Fatal("expected error for oversized control frame")
	}
}

func TestParseFrameRejectsReservedBits(t *testing.T) {
	raw, _ := BuildFrame(OpcodeText, []byte("x"), true, RoleServer)
	raw[0] |= 0x40 // set RSV1
	if _, _, perr := ParseFrame(raw, RoleClient); perr == nil {
		t.Fatal("expected error for reserved bit set")
	}
}

func TestParseFrameRejectsUnknownOpcode(t *testing.T) {
	raw, _ := BuildFrame(OpcodeText, []byte("x"), true, RoleServer)
	raw[0] = (raw[0] &^ 0x0F) | 0x3 // opcode 0x3 is reserved/unknown
	if _, _, perr := ParseFrame(raw, RoleClient); perr == nil {
		t.Fatal("expected error for unknown opcode")
	}
}

func TestDeriveAcceptMatchesRFC6455Example(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got := DeriveAccept(key); got != want {
		t.Fatalf("DeriveAccept(%q) = %q, want %q", key, got, want)
	}
	if !VerifyAccept(key, want) {
		t.Fatal("VerifyAccept should accept the matching value")
	}
	if VerifyAccept(key, "wrong") {
		t.Fatal("VerifyAccept should reject a mismatched value")
	}
}

func TestValidateUpgradeAcceptsWellFormedRequest(t *testing.T) {
	req := UpgradeRequest{
		Connection: "Upgrade",
		Upgrade:    "websocket",
		Key:        "dGhlIHNhbXBsZSBub25jZQ==",
		Version:    "13",
	}
	if err := ValidateUpgrade(req); err != nil {
		t.Fatalf("expected valid upgrade, got %v", err)
	}
}

func TestValidateUpgradeRejectsBadVersion(t *testing.T) {
	req := UpgradeRequest{Connection: "Upgrade", Upgrade: "websocket", Key: "k", Version: "8"}
	if err := ValidateUpgrade(req); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestValidateUpgradeRejectsMissingKey(t *testing.T) {
	req := UpgradeRequest{Connection: "Upgrade", Upgrade: "websocket", Version: "13"}
	if err := ValidateUpgrade(req); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestValidateUpgradeAcceptsMultiTokenConnectionHeader(t *testing.T) {
	req := UpgradeRequest{Connection: "keep-alive, Upgrade", Upgrade: "websocket", Key: "k", Version: "13"}
	if err := ValidateUpgrade(req); err != nil {
		t.Fatalf("expected valid upgrade, got %v", err)
	}
}
