package codec

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/types"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c := New()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"short text", []byte("hello")},
		{"below threshold", bytes.Repeat([]byte("a"), 1023)},
		{"at threshold compressible", bytes.Repeat([]byte("abcd"), 256)},
		{"large compressible", bytes.Repeat([]byte("navigate click extract "), 10000)},
		{"binary", []byte{0x00, 0x01, 0xff, 0xfe, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := c.Encode(tt.data)
			require.NoError(t, err)

			decoded, err := c.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.data, decoded)
		})
	}
}

func TestEncode_IncompressibleStaysRaw(t *testing.T) {
	c := New()

	// Random bytes do not compress; the codec must fall back to the raw
	// marker even above the threshold.
	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)

	encoded, err := c.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(markerRaw), encoded[0])

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestEncode_CompressibleShrinks(t *testing.T) {
	c := New()

	data := bytes.Repeat([]byte("the same action repeated "), 1000)
	encoded, err := c.Encode(data)
	require.NoError(t, err)

	assert.Equal(t, byte(markerCompressed), encoded[0])
	assert.Less(t, len(encoded), len(data))
}

func TestEncode_BelowThresholdNeverCompressed(t *testing.T) {
	c := New(WithThreshold(1024))

	data := bytes.Repeat([]byte("x"), 1023)
	encoded, err := c.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(markerRaw), encoded[0])
	assert.Equal(t, len(data)+1, len(encoded))
}

func TestEncode_OversizedPayloadRejected(t *testing.T) {
	c := New(WithMaxPayload(1024))

	data := make([]byte, 1025)
	_, err := c.Encode(data)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestDecode_Corruption(t *testing.T) {
	c := New()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty payload", nil},
		{"unknown marker", []byte{0x7f, 0x01, 0x02}},
		{"truncated zstd frame", []byte{0x01, 0xde, 0xad, 0xbe, 0xef}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errdefs.IsCorruption(err))
		})
	}
}

func TestMarshalUnmarshal_Episode(t *testing.T) {
	c := New()

	ep := &types.Episode{
		SchemaVersion:   types.SchemaVersion,
		MemoryID:        "mem-1",
		SessionID:       "sess-1",
		TaskPrompt:      "Extract title",
		Outcome:         "ok",
		Success:         true,
		DurationSeconds: 2.5,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		Tags:            []string{"login", "generic"},
		Importance:      0.8,
		State:           types.EpisodeStateScored,
	}

	data, err := c.Marshal(ep)
	require.NoError(t, err)

	var got types.Episode
	require.NoError(t, c.Unmarshal(data, &got))

	assert.Equal(t, ep.MemoryID, got.MemoryID)
	assert.Equal(t, ep.TaskPrompt, got.TaskPrompt)
	assert.Equal(t, ep.Tags, got.Tags)
	assert.Equal(t, ep.Importance, got.Importance)
	assert.True(t, ep.CreatedAt.Equal(got.CreatedAt))
}

func TestUnmarshal_GarbageIsCorruption(t *testing.T) {
	c := New()

	var got types.Episode
	err := c.Unmarshal([]byte{0x00, 0xff, 0xff, 0xff}, &got)
	require.Error(t, err)
	assert.True(t, errdefs.IsCorruption(err))
}
