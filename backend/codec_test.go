package backend

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCodecSmallPayloadIsIdentity(t *testing.T) {
	c := newTestCodec(t)

	data := []byte("x")
	payload, enc, err := c.Encode(data)
	require.NoError(t, err)
	require.Equal(t, EncodingIdentity, enc)
	require.Equal(t, data, payload)

	decoded, err := c.Decode(payload, enc, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecCompressesRepetitivePayload(t *testing.T) {
	c := newTestCodec(t)

	data := bytes.Repeat([]byte("cache entry "), 1024)
	payload, enc, err := c.Encode(data)
	require.NoError(t, err)
	require.Equal(t, EncodingZstd, enc)
	require.Less(t, len(payload), len(data))

	decoded, err := c.Decode(payload, enc, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecKeepsIncompressiblePayload(t *testing.T) {
	c := newTestCodec(t)

	data := make([]byte, 4*CompressionThreshold)
	_, err := rand.Read(data)
	require.NoError(t, err)

	payload, enc, err := c.Encode(data)
	require.NoError(t, err)
	require.Equal(t, EncodingIdentity, enc)
	require.Equal(t, data, payload)
}

func TestCodecDecodeRejectsBadInput(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Decode([]byte("x"), "brotli", 1)
	require.Error(t, err)

	_, err = c.Decode([]byte("x"), EncodingZstd, MaxDecodedSize+1)
	require.ErrorIs(t, err, ErrDecompressionBomb)

	data := bytes.Repeat([]byte("a"), 4096)
	payload, enc, err := c.Encode(data)
	require.NoError(t, err)
	_, err = c.Decode(payload, enc, 10)
	require.Error(t, err)
}

func TestCodecClosed(t *testing.T) {
	c, err := NewCodec()
	require.NoError(t, err)
	c.Close()

	_, _, err = c.Encode(bytes.Repeat([]byte("a"), 4096))
	require.ErrorIs(t, err, ErrCodecClosed)
}
