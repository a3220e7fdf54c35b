package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSegmentsRoundTrip(t *testing.T) {
	blobs := [][]byte{[]byte("alpha"), []byte(""), []byte("gamma-blob")}
	encoded := EncodeSegments(blobs)

	decoded, consumed, err := DecodeSegments(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Equal(t, blobs, decoded)
}

func TestDecodeSegmentsRejectsTruncatedTable(t *testing.T) {
	_, _, err := DecodeSegments([]byte{0, 2, 1, 2, 3})
	require.ErrorIs(t, err, ErrStructural)
}

func TestDecodeSegmentsRejectsOutOfBoundsOffset(t *testing.T) {
	buf := EncodeSegments([][]byte{[]byte("short")})
	buf[2] = 0xFF // corrupt a byte of the first segment's offset
	_, _, err := DecodeSegments(buf)
	require.ErrorIs(t, err, ErrStructural)
}
