package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ehrlich-b/rxnet/iobuf"
)

func TestChunkInsufficientBytes(t *testing.T) {
	buf := iobuf.NewRBR([]byte("short"))
	defer buf.Release()

	_, _, ok := Chunk(64).Append(buf)
	if ok {
		t.Fatal("Chunk(64).Append() with 5 bytes returned ok=true, want false")
	}
}

func TestChunkFramesExactly(t *testing.T) {
	payload := bytes.Repeat([]byte("A"), 64)
	buf := iobuf.NewRBR(payload)
	defer buf.Release()

	msg, consumed, ok := Chunk(64).Append(buf)
	if !ok {
		t.Fatal("Chunk(64).Append() returned ok=false, want true")
	}
	defer msg.Release()
	if consumed != 64 {
		t.Errorf("consumed = %d, want 64", consumed)
	}
	if !bytes.Equal(msg.Bytes(), payload) {
		t.Errorf("msg = %q, want %q", msg.Bytes(), payload)
	}
}

func TestChunkAcrossMultipleMessages(t *testing.T) {
	first := bytes.Repeat([]byte("a"), 64)
	second := bytes.Repeat([]byte("b"), 64)
	buf := iobuf.NewRBR(append(append([]byte(nil), first...), second...))
	defer buf.Release()

	msg1, consumed1, ok := Chunk(64).Append(buf)
	if !ok || consumed1 != 64 {
		t.Fatalf("first Append() = (ok=%v, consumed=%d), want (true, 64)", ok, consumed1)
	}
	if !bytes.Equal(msg1.Bytes(), first) {
		t.Errorf("first message = %q, want %q", msg1.Bytes(), first)
	}
	msg1.Release()

	tail := buf.Bytes()[consumed1:]
	tailBuf := iobuf.NewRBR(tail)
	defer tailBuf.Release()

	msg2, consumed2, ok := Chunk(64).Append(tailBuf)
	if !ok || consumed2 != 64 {
		t.Fatalf("second Append() = (ok=%v, consumed=%d), want (true, 64)", ok, consumed2)
	}
	if !bytes.Equal(msg2.Bytes(), second) {
		t.Errorf("second message = %q, want %q", msg2.Bytes(), second)
	}
	msg2.Release()
}

func TestLittleEndianUint64(t *testing.T) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], 424242)
	buf := iobuf.NewRBR(raw[:])
	defer buf.Release()

	msg, consumed, ok := LittleEndianUint64.Append(buf)
	if !ok || consumed != 8 {
		t.Fatalf("Append() = (ok=%v, consumed=%d), want (true, 8)", ok, consumed)
	}
	defer msg.Release()
	if got := DecodeUint64(msg); got != 424242 {
		t.Errorf("DecodeUint64() = %d, want 424242", got)
	}
}

func TestLengthPrefixedWaitsForBody(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf := iobuf.NewRBR(append(header[:], []byte("short")...))
	defer buf.Release()

	_, _, ok := LengthPrefixed{}.Append(buf)
	if ok {
		t.Fatal("Append() with incomplete body returned ok=true, want false")
	}
}

func TestLengthPrefixedFramesPayload(t *testing.T) {
	payload := []byte("hello, framed world")
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	full := append(append([]byte(nil), header[:]...), payload...)
	buf := iobuf.NewRBR(full)
	defer buf.Release()

	msg, consumed, ok := LengthPrefixed{}.Append(buf)
	if !ok {
		t.Fatal("Append() returned ok=false, want true")
	}
	defer msg.Release()
	if consumed != 4+len(payload) {
		t.Errorf("consumed = %d, want %d", consumed, 4+len(payload))
	}
	if !bytes.Equal(msg.Bytes(), payload) {
		t.Errorf("msg = %q, want %q", msg.Bytes(), payload)
	}
}
