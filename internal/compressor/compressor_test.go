package compressor

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestNopRoundTrip(t *testing.T) {
	var c Nop
	in := []byte("the quick brown fox jumps over the lazy dog")

	compressed, err := c.Compress(in)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !bytes.Equal(compressed, in) {
		t.Fatalf("Nop.Compress() = %x, want unchanged %x", compressed, in)
	}

	out, err := c.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round-trip = %x, want %x", out, in)
	}
}

func TestNopCompressReturnsIndependentCopy(t *testing.T) {
	var c Nop
	in := []byte("mutate me")
	out, err := c.Compress(in)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	out[0] = 'X'
	if in[0] == 'X' {
		t.Fatalf("Nop.Compress() aliased the input buffer")
	}
}

func TestS2RoundTrip(t *testing.T) {
	var c S2
	in := bytes.Repeat([]byte("payload-data-"), 200)

	compressed, err := c.Compress(in)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	out, err := c.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(out), len(in))
	}
}

func TestS2CompressRejectsOversizedInput(t *testing.T) {
	var c S2
	huge := make([]byte, MaxPayloadSize+1)
	if _, err := c.Compress(huge); err == nil {
		t.Fatalf("Compress() on %d-byte input: expected bound error, got nil", len(huge))
	}
}

func TestZstdRoundTrip(t *testing.T) {
	z, err := NewZstd(zstd.SpeedDefault)
	if err != nil {
		t.Fatalf("NewZstd() error = %v", err)
	}
	t.Cleanup(z.Close)

	in := bytes.Repeat([]byte("zstd round trip exercise "), 100)
	compressed, err := z.Compress(in)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	out, err := z.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(out), len(in))
	}
}

func TestZstdCompressRejectsOversizedInput(t *testing.T) {
	z, err := NewZstd(zstd.SpeedDefault)
	if err != nil {
		t.Fatalf("NewZstd() error = %v", err)
	}
	t.Cleanup(z.Close)

	huge := make([]byte, MaxPayloadSize+1)
	if _, err := z.Compress(huge); err == nil {
		t.Fatalf("Compress() on %d-byte input: expected bound error, got nil", len(huge))
	}
}
