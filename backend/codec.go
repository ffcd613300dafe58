package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoding names how an entry body is stored.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// attempted. Smaller payloads are stored as-is.
	CompressionThreshold = 2048

	// MaxDecodedSize caps decompression output.
	MaxDecodedSize = 64 * 1024 * 1024
)

var (
	// ErrDecompressionBomb is returned when a body would decode past MaxDecodedSize.
	ErrDecompressionBomb = errors.New("decoded payload exceeds maximum size")

	// ErrCodecClosed is returned after Close.
	ErrCodecClosed = errors.New("codec closed")
)

// Codec compresses entry bodies with zstd when that saves space.
// It is safe for concurrent use.
type Codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec with a shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Encode returns the stored form of data and its encoding.
func (c *Codec) Encode(data []byte) ([]byte, Encoding, error) {
	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return nil, "", ErrCodecClosed
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, nil
	}
	return compressed, EncodingZstd, nil
}

// Decode reverses Encode. expectedSize is the decoded size recorded in the
// entry header and bounds the output.
func (c *Codec) Decode(payload []byte, encoding Encoding, expectedSize int64) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return payload, nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if expectedSize < 0 {
		return nil, fmt.Errorf("invalid decoded size %d", expectedSize)
	}
	if expectedSize > MaxDecodedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, ErrCodecClosed
	}

	decoded, err := dec.DecodeAll(payload, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(decoded)) != expectedSize {
		return nil, fmt.Errorf("decoded size %d does not match header size %d", len(decoded), expectedSize)
	}
	return decoded, nil
}

// Close releases the encoder and decoder.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}
