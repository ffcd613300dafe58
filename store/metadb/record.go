package metadb

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record field numbers. Fields are append-only; never reuse a number.
const (
	fieldKey          protowire.Number = 1
	fieldDataSize     protowire.Number = 2
	fieldMetadata     protowire.Number = 3
	fieldPinned       protowire.Number = 4
	fieldFetchCount   protowire.Number = 5
	fieldLastFetched  protowire.Number = 6
	fieldLastModified protowire.Number = 7
	fieldExpiresAt    protowire.Number = 8
	fieldContentHash  protowire.Number = 9
	fieldEncoding     protowire.Number = 10
	fieldStoredSize   protowire.Number = 11

	fieldMetaName  protowire.Number = 1
	fieldMetaValue protowire.Number = 2
)

var errMalformedRecord = errors.New("metadb: malformed record")

// MarshalRecord encodes a record in protobuf wire format.
// Metadata entries are written in key order so equal records encode identically.
func MarshalRecord(r *Record) []byte {
	var b []byte
	b = appendString(b, fieldKey, r.Key)
	b = appendVarint(b, fieldDataSize, uint64(max(r.DataSize, 0))) //nolint:gosec // clamped
	for _, name := range slices.Sorted(maps.Keys(r.Metadata)) {
		var m []byte
		m = appendString(m, fieldMetaName, name)
		m = appendString(m, fieldMetaValue, r.Metadata[name])
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if r.Pinned {
		b = appendVarint(b, fieldPinned, 1)
	}
	b = appendVarint(b, fieldFetchCount, uint64(r.FetchCount))
	b = appendTime(b, fieldLastFetched, r.LastFetched)
	b = appendTime(b, fieldLastModified, r.LastModified)
	b = appendTime(b, fieldExpiresAt, r.ExpiresAt)
	b = appendString(b, fieldContentHash, r.ContentHash)
	b = appendString(b, fieldEncoding, r.Encoding)
	b = appendVarint(b, fieldStoredSize, uint64(max(r.StoredSize, 0))) //nolint:gosec // clamped
	return b
}

// UnmarshalRecord decodes a record written by MarshalRecord.
// Unknown fields are skipped.
func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldKey || num == fieldContentHash || num == fieldEncoding || num == fieldMetadata):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKey:
				r.Key = string(v)
			case fieldContentHash:
				r.ContentHash = string(v)
			case fieldEncoding:
				r.Encoding = string(v)
			case fieldMetadata:
				name, value, err := unmarshalMetaEntry(v)
				if err != nil {
					return nil, err
				}
				if r.Metadata == nil {
					r.Metadata = make(map[string]string)
				}
				r.Metadata[name] = value
			}
		case typ == protowire.VarintType && (num == fieldDataSize || num == fieldPinned || num == fieldFetchCount || num == fieldStoredSize):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldDataSize:
				r.DataSize = int64(v) //nolint:gosec // written from a non-negative int64
			case fieldPinned:
				r.Pinned = v != 0
			case fieldFetchCount:
				r.FetchCount = uint32(v) //nolint:gosec // written from a uint32
			case fieldStoredSize:
				r.StoredSize = int64(v) //nolint:gosec // written from a non-negative int64
			}
		case typ == protowire.Fixed64Type && (num == fieldLastFetched || num == fieldLastModified || num == fieldExpiresAt):
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			t := decodeTimestamp(v)
			switch num {
			case fieldLastFetched:
				r.LastFetched = t
			case fieldLastModified:
				r.LastModified = t
			case fieldExpiresAt:
				r.ExpiresAt = t
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

func unmarshalMetaEntry(b []byte) (name, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: metadata: %w", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("%w: metadata: %w", errMalformedRecord, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: metadata: %w", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldMetaName:
			name = string(v)
		case fieldMetaValue:
			value = string(v)
		}
	}
	return name, value, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, encodeTimestamp(t))
}
