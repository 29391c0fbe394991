// Package compressor provides the pluggable codecs behind wire.Codec. The
// original FastEngine implementation ships two interchangeable codecs
// (bzip2 and LZ4) behind one interface; this module mirrors that shape
// with klauspost/compress's zstd and s2, plus a nop passthrough. Both
// engines use the nop codec; there is no codec negotiation between peers.
package compressor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// MaxPayloadSize guards both directions: Compress refuses a larger input,
// S2.Decompress refuses a larger declared length before decoding, and
// Zstd.Decompress decodes first and then refuses a larger result.
const MaxPayloadSize = 8 << 20 // 8 MiB

// Nop is the identity codec: Compress and Decompress both return a copy of
// the input unchanged. It is the codec both engines use.
type Nop struct{}

func (Nop) Compress(in []byte) ([]byte, error) {
	return append([]byte(nil), in...), nil
}

func (Nop) Decompress(in []byte) ([]byte, error) {
	return append([]byte(nil), in...), nil
}

// Zstd wraps klauspost/compress/zstd with reusable encoder/decoder handles.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd constructs a Zstd codec at the given encoder level (e.g.
// zstd.SpeedDefault).
func NewZstd(level zstd.EncoderLevel) (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("compressor: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("compressor: new zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Compress(in []byte) ([]byte, error) {
	if len(in) > MaxPayloadSize {
		return nil, fmt.Errorf("compressor: input %d bytes exceeds bound", len(in))
	}
	return z.enc.EncodeAll(in, nil), nil
}

func (z *Zstd) Decompress(in []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(in, nil)
	if err != nil {
		return nil, fmt.Errorf("compressor: zstd decode: %w", err)
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("compressor: decompressed %d bytes exceeds bound", len(out))
	}
	return out, nil
}

// Close releases the underlying encoder/decoder goroutines.
func (z *Zstd) Close() {
	z.enc.Close()
	z.dec.Close()
}

// S2 wraps klauspost/compress/s2, a faster/lighter alternative to zstd
// suited to small, latency-sensitive datagrams.
type S2 struct{}

func (S2) Compress(in []byte) ([]byte, error) {
	if len(in) > MaxPayloadSize {
		return nil, fmt.Errorf("compressor: input %d bytes exceeds bound", len(in))
	}
	return s2.Encode(nil, in), nil
}

func (S2) Decompress(in []byte) ([]byte, error) {
	n, err := s2.DecodedLen(in)
	if err != nil {
		return nil, fmt.Errorf("compressor: s2 decoded length: %w", err)
	}
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("compressor: decompressed %d bytes exceeds bound", n)
	}
	out, err := s2.Decode(nil, in)
	if err != nil {
		return nil, fmt.Errorf("compressor: s2 decode: %w", err)
	}
	return out, nil
}

// streamDecode is a small helper retained for codecs that only expose a
// streaming Reader (kept distinct from DecodeAll paths above so a future
// codec needing bounded streaming decompression has a ready pattern).
func streamDecode(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, limit+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("compressor: stream exceeds %d byte bound", limit)
	}
	return buf.Bytes(), nil
}
