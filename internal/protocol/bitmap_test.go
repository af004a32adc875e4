package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBitmap_Empty(t *testing.T) {
	assert.Equal(t, []byte{0x00}, EncodeBitmap(nil, nil))
}

func TestEncodeBitmap_SingleLowID(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x01}, EncodeBitmap(nil, []uint8{0}))
}

func TestEncodeBitmap_Layout(t *testing.T) {
	// IDs 4, 10, 16, 17, 20: three bitmap bytes.
	got := EncodeBitmap(nil, []uint8{4, 10, 16, 17, 20})
	assert.Equal(t, []byte{0x03, 0x10, 0x04, 0x13}, got)
}

func TestEncodeBitmap_MinimalLength(t *testing.T) {
	// Byte count is driven by the highest ID only.
	assert.Len(t, EncodeBitmap(nil, []uint8{7}), 2)
	assert.Len(t, EncodeBitmap(nil, []uint8{8}), 3)
	assert.Len(t, EncodeBitmap(nil, []uint8{103}), 14)
}

func TestEncodeBitmap_Appends(t *testing.T) {
	buf := EncodeBitmap([]byte{0xAA}, []uint8{0})
	assert.Equal(t, []byte{0xAA, 0x01, 0x01}, buf)
}

func TestBitmap_RoundTrip(t *testing.T) {
	sets := [][]uint8{
		{},
		{0},
		{0, 1, 2, 3, 4, 5, 6, 7},
		{4, 10, 16, 17, 20},
		{255},
		{0, 255},
		{12, 36, 49, 103},
	}
	for _, ids := range sets {
		encoded := EncodeBitmap(nil, ids)
		decoded, n, err := DecodeBitmap(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		if len(ids) == 0 {
			assert.Empty(t, decoded)
		} else {
			assert.ElementsMatch(t, ids, decoded)
		}
	}
}

func TestDecodeBitmap_Short(t *testing.T) {
	_, _, err := DecodeBitmap([]byte{0x05, 0x01})
	var malformedErr *MalformedValueError
	assert.ErrorAs(t, err, &malformedErr)

	_, _, err = DecodeBitmap(nil)
	assert.ErrorAs(t, err, &malformedErr)
}
