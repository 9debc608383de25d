// Package shieldhistory is a bounded, in-memory, compressed archive of the
// version-chain nodes the trimmer severs, implementing shield.HistorySink.
// It is diagnostics and test-replay tooling only: entries live in a
// fixed-size ring per participant and are never written to disk, so it
// does not reintroduce the durability this runtime otherwise has none of.
//
// Grounded on the teacher's advanced/compression engine: a pluggable
// Codec interface with lz4, snappy, and zstd implementations, selected the
// way the teacher's SizeBasedPolicy defaults small payloads to its
// fastest codec.
package shieldhistory

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses archived payloads.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// SnappyCodec is the default: lowest latency, modest ratio, matching the
// teacher's preference for Snappy on small, frequently-touched data.
type SnappyCodec struct{}

func (SnappyCodec) Name() string { return "snappy" }

func (SnappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCodec) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// LZ4Codec trades a little latency for a better ratio than Snappy.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return "lz4" }

func (LZ4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("shieldhistory: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("shieldhistory: lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4Codec) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("shieldhistory: lz4 decompress: %w", err)
	}
	return out, nil
}

// ZstdCodec gives the best ratio of the three, at the highest CPU cost.
type ZstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCodec builds a ZstdCodec with fresh encoder/decoder state.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("shieldhistory: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("shieldhistory: zstd decoder: %w", err)
	}
	return &ZstdCodec{encoder: enc, decoder: dec}, nil
}

func (ZstdCodec) Name() string { return "zstd" }

func (z *ZstdCodec) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCodec) Decompress(data []byte) ([]byte, error) {
	return z.decoder.DecodeAll(data, nil)
}
