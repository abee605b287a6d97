package kprod

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies a batch codec per spec §4.B / §6.
type Compression int8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// minBrokerVersionForLZ4 records the broker-version gate from spec §6
// ("LZ4 requires broker >= 0.8.2"), checked in Client.Start.
var minBrokerVersionForLZ4 = BrokerVersion{Major: 0, Minor: 8, Patch: 2}

// compress finalizes a batch's payload with the configured codec, per
// spec §4.B "Compression ... applied on finalization." Using
// klauspost/compress for gzip (teacher dependency), golang/snappy for the
// snappy codec (zinohome-Takhin dependency), and pierrec/lz4/v4 for lz4
// (teacher dependency). Snappy output is a single raw snappy block
// (snappy.Encode); the xerial stream framing is not applied.
func compress(codec Compression, raw []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return raw, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, raw), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, ErrUnsupportedVersion
	}
}

// decompress reverses compress; only used by tests that round-trip a
// batch, since the core producer itself never reads back the bytes it
// sends (the broker does).
func decompress(codec Compression, data []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, ErrUnsupportedVersion
	}
}
