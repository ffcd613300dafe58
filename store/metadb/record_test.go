package metadb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordEncoding(t *testing.T) {
	rec := &Record{
		Key:          "~ext:http://a/",
		DataSize:     42,
		StoredSize:   30,
		Metadata:     map[string]string{"b": "2", "a": "1", "empty": ""},
		Pinned:       true,
		FetchCount:   7,
		LastFetched:  time.Date(2024, 1, 15, 10, 0, 0, 123, time.UTC),
		LastModified: time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC),
		ContentHash:  "deadbeef",
		Encoding:     "zstd",
	}

	got, err := UnmarshalRecord(MarshalRecord(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestRecordEncoding_Deterministic(t *testing.T) {
	a := &Record{Key: "k", Metadata: map[string]string{"x": "1", "y": "2", "z": "3"}}
	b := &Record{Key: "k", Metadata: map[string]string{"z": "3", "y": "2", "x": "1"}}
	assert.Equal(t, MarshalRecord(a), MarshalRecord(b))
}

func TestRecordEncoding_SkipsUnknownFields(t *testing.T) {
	b := MarshalRecord(&Record{Key: "k", DataSize: 1})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 100, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)

	got, err := UnmarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, "k", got.Key)
	assert.Equal(t, int64(1), got.DataSize)
}

func TestRecordEncoding_Malformed(t *testing.T) {
	b := MarshalRecord(&Record{Key: "some-key"})
	_, err := UnmarshalRecord(b[:len(b)-2])
	require.ErrorIs(t, err, errMalformedRecord)
}

func TestRecordClone(t *testing.T) {
	rec := &Record{Key: "k", Metadata: map[string]string{"a": "1"}}
	c := rec.Clone()
	c.Metadata["a"] = "2"
	assert.Equal(t, "1", rec.Metadata["a"])

	var nilRec *Record
	assert.Nil(t, nilRec.Clone())
}
