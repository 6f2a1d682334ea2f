// Package codec serializes memory records for storage: CBOR encoding with
// transparent zstd compression above a size threshold, a one-byte wire
// marker per payload, and hard payload-size limits that fail typed instead
// of truncating.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/engramlabs/engram/pkg/errdefs"
)

// Wire markers. Every encoded payload starts with exactly one marker byte.
const (
	markerRaw        = 0x00
	markerCompressed = 0x01
)

const (
	// DefaultCompressionThreshold is the minimum serialized size before
	// compression is attempted.
	DefaultCompressionThreshold = 1024

	// DefaultMaxPayload caps decoded payload size to prevent decompression
	// bombs from a compromised shared backend.
	DefaultMaxPayload = 16 * 1024 * 1024
)

// Codec serializes records to a stable self-describing binary form (CBOR)
// and applies threshold-based zstd compression behind a one-byte marker.
type Codec struct {
	threshold  int
	maxPayload int
	enc        *zstd.Encoder
	dec        *zstd.Decoder
}

// Option configures a Codec.
type Option func(*Codec)

// WithThreshold overrides the compression threshold in bytes.
func WithThreshold(n int) Option {
	return func(c *Codec) { c.threshold = n }
}

// WithMaxPayload overrides the maximum accepted payload size in bytes.
func WithMaxPayload(n int) Option {
	return func(c *Codec) { c.maxPayload = n }
}

// New creates a Codec with the given options.
func New(opts ...Option) *Codec {
	c := &Codec{
		threshold:  DefaultCompressionThreshold,
		maxPayload: DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Stateless EncodeAll/DecodeAll use only; errors cannot occur with
	// default options.
	c.enc, _ = zstd.NewWriter(nil)
	c.dec, _ = zstd.NewReader(nil)
	return c
}

// Encode frames raw bytes with the compression marker. Inputs at or above
// the threshold are compressed when that actually saves space; everything
// else is passed through with the raw marker.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > c.maxPayload {
		return nil, errdefs.Validation("payload size %d exceeds maximum %d", len(data), c.maxPayload)
	}

	if len(data) >= c.threshold {
		compressed := c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(compressed) < len(data) {
			out := make([]byte, 0, len(compressed)+1)
			out = append(out, markerCompressed)
			return append(out, compressed...), nil
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, markerRaw)
	return append(out, data...), nil
}

// Decode inverts Encode. It validates the marker byte and enforces the
// maximum payload size on the decoded result.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errdefs.Corruption("empty payload")
	}

	marker, payload := data[0], data[1:]
	switch marker {
	case markerRaw:
		if len(payload) > c.maxPayload {
			return nil, errdefs.Corruption("payload size %d exceeds maximum %d", len(payload), c.maxPayload)
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case markerCompressed:
		decoded, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, errdefs.Corruption("zstd decode failed: %v", err)
		}
		if len(decoded) > c.maxPayload {
			return nil, errdefs.Corruption("decompressed size %d exceeds maximum %d", len(decoded), c.maxPayload)
		}
		return decoded, nil
	default:
		return nil, errdefs.Corruption("unknown marker byte 0x%02x", marker)
	}
}

// Marshal serializes a record to CBOR and frames it through Encode.
func (c *Codec) Marshal(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, errdefs.Internal("cbor marshal failed: %v", err)
	}
	return c.Encode(data)
}

// Unmarshal decodes a framed payload and deserializes the CBOR record into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	decoded, err := c.Decode(data)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(decoded, v); err != nil {
		return errdefs.Corruption("cbor unmarshal failed: %v", err)
	}
	return nil
}
