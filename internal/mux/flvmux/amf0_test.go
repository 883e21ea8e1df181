package flvmux

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestAMF0Number(t *testing.T) {
	t.Parallel()
	e := &amf0Encoder{}
	e.Number(3.5)
	b := e.Bytes()
	if len(b) != 9 {
		t.Fatalf("Number() wrote %d bytes, want 9 (1 marker + 8 double)", len(b))
	}
	if b[0] != amf0Number {
		t.Errorf("marker = %#x, want amf0Number", b[0])
	}
	got := math.Float64frombits(binary.BigEndian.Uint64(b[1:]))
	if got != 3.5 {
		t.Errorf("decoded value = %v, want 3.5", got)
	}
}

func TestAMF0Boolean(t *testing.T) {
	t.Parallel()
	e := &amf0Encoder{}
	e.Boolean(true)
	b := e.Bytes()
	if len(b) != 2 || b[0] != amf0Boolean || b[1] != 1 {
		t.Errorf("Boolean(true) = %v, want [amf0Boolean, 1]", b)
	}

	e2 := &amf0Encoder{}
	e2.Boolean(false)
	b2 := e2.Bytes()
	if b2[1] != 0 {
		t.Errorf("Boolean(false) second byte = %d, want 0", b2[1])
	}
}

func TestAMF0String(t *testing.T) {
	t.Parallel()
	e := &amf0Encoder{}
	e.String("connect")
	b := e.Bytes()

	if b[0] != amf0String {
		t.Fatalf("marker = %#x, want amf0String", b[0])
	}
	length := binary.BigEndian.Uint16(b[1:3])
	if int(length) != len("connect") {
		t.Errorf("length prefix = %d, want %d", length, len("connect"))
	}
	if string(b[3:3+length]) != "connect" {
		t.Errorf("string body = %q, want %q", b[3:3+length], "connect")
	}
}

func TestAMF0Null(t *testing.T) {
	t.Parallel()
	e := &amf0Encoder{}
	e.Null()
	b := e.Bytes()
	if len(b) != 1 || b[0] != amf0Null {
		t.Errorf("Null() = %v, want [amf0Null]", b)
	}
}

func TestAMF0ObjectEndMarker(t *testing.T) {
	t.Parallel()
	e := &amf0Encoder{}
	e.Object([]string{"app"}, map[string]any{"app": "live"})
	b := e.Bytes()

	if b[0] != amf0Object {
		t.Fatalf("marker = %#x, want amf0Object", b[0])
	}
	tail := b[len(b)-3:]
	if tail[0] != 0x00 || tail[1] != 0x00 || tail[2] != amf0ObjectEnd {
		t.Errorf("object end marker = % x, want 00 00 %02x", tail, amf0ObjectEnd)
	}
}

func TestEncodeConnectCommandRoundTripsCommandName(t *testing.T) {
	t.Parallel()
	b := encodeConnectCommand(1, "live", "rtmp://example/live")

	if b[0] != amf0String {
		t.Fatalf("first value marker = %#x, want amf0String (command name)", b[0])
	}
	nameLen := binary.BigEndian.Uint16(b[1:3])
	if string(b[3:3+nameLen]) != "connect" {
		t.Errorf("command name = %q, want %q", b[3:3+nameLen], "connect")
	}

	txIDOffset := 3 + int(nameLen)
	if b[txIDOffset] != amf0Number {
		t.Fatalf("second value marker = %#x, want amf0Number (transaction id)", b[txIDOffset])
	}
	txID := math.Float64frombits(binary.BigEndian.Uint64(b[txIDOffset+1:]))
	if txID != 1 {
		t.Errorf("transaction id = %v, want 1", txID)
	}
}

func TestEncodeCreateStreamCommand(t *testing.T) {
	t.Parallel()
	b := encodeCreateStreamCommand(2)
	if b[len(b)-1] != amf0Null {
		t.Errorf("last byte = %#x, want amf0Null (the command's null argument)", b[len(b)-1])
	}
}

func TestEncodePublishCommandIncludesStreamKeyAndLiveMode(t *testing.T) {
	t.Parallel()
	b := encodePublishCommand(3, "mystream")
	// "publish" name + txid number + null + "mystream" string + "live" string.
	found := false
	for i := 0; i < len(b)-2; i++ {
		if b[i] == amf0String {
			l := int(binary.BigEndian.Uint16(b[i+1 : i+3]))
			if i+3+l <= len(b) && string(b[i+3:i+3+l]) == "mystream" {
				found = true
			}
		}
	}
	if !found {
		t.Error("encodePublishCommand() did not encode the stream key as an AMF0 string")
	}
}

func TestEncodeOnMetaDataHasSevenFieldsAndEndMarker(t *testing.T) {
	t.Parallel()
	b := encodeOnMetaData(1280, 720, 30, 48000, 2)

	if b[0] != amf0String {
		t.Fatalf("first marker = %#x, want amf0String (\"onMetaData\")", b[0])
	}
	nameLen := binary.BigEndian.Uint16(b[1:3])
	offset := 3 + int(nameLen)

	if b[offset] != amf0ECMAArray {
		t.Fatalf("marker at offset %d = %#x, want amf0ECMAArray", offset, b[offset])
	}
	count := binary.BigEndian.Uint32(b[offset+1 : offset+5])
	if count != 7 {
		t.Errorf("ECMA array count = %d, want 7", count)
	}

	tail := b[len(b)-3:]
	if tail[0] != 0x00 || tail[1] != 0x00 || tail[2] != amf0ObjectEnd {
		t.Errorf("onMetaData end marker = % x, want 00 00 %02x", tail, amf0ObjectEnd)
	}
}
