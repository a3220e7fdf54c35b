package wire

import (
	"encoding/binary"
	"fmt"
)

// Segment is a reference to a variable-length blob embedded in a message
// payload: an offset and length into the blob region that follows the
// segment table, rather than a nested length prefix at the point of use.
type Segment struct {
	Offset uint32
	Length uint32
}

const segmentEncodedSize = 8 // u32 offset + u32 length

// Slice returns the bytes segment s refers to within blobRegion.
func (s Segment) Slice(blobRegion []byte) ([]byte, error) {
	end := uint64(s.Offset) + uint64(s.Length)
	if end > uint64(len(blobRegion)) {
		return nil, fmt.Errorf("wire: %w: segment [%d:%d] out of bounds (region is %d bytes)", ErrStructural, s.Offset, end, len(blobRegion))
	}
	return blobRegion[s.Offset:end], nil
}

// EncodeSegments lays out a u16 blob count, a table of (offset, length)
// pairs, and the concatenated blobs themselves (in that order), returning
// the encoded bytes. Offsets are relative to the start of the blob region,
// i.e. the byte immediately after the table.
func EncodeSegments(blobs [][]byte) []byte {
	segs := make([]Segment, len(blobs))
	offset := uint32(0)
	for i, b := range blobs {
		segs[i] = Segment{Offset: offset, Length: uint32(len(b))}
		offset += uint32(len(b))
	}

	out := make([]byte, 0, 2+len(segs)*segmentEncodedSize+int(offset))
	var count [2]byte
	binary.LittleEndian.PutUint16(count[:], uint16(len(segs)))
	out = append(out, count[:]...)
	for _, s := range segs {
		var b [segmentEncodedSize]byte
		binary.LittleEndian.PutUint32(b[0:4], s.Offset)
		binary.LittleEndian.PutUint32(b[4:8], s.Length)
		out = append(out, b[:]...)
	}
	for _, blob := range blobs {
		out = append(out, blob...)
	}
	return out
}

// DecodeSegments parses a segment table and its trailing blob region out of
// buf, returning each blob in order and the number of bytes consumed from
// buf.
func DecodeSegments(buf []byte) ([][]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("wire: %w: truncated segment count", ErrStructural)
	}
	count := binary.LittleEndian.Uint16(buf[:2])
	tableEnd := 2 + int(count)*segmentEncodedSize
	if tableEnd > len(buf) {
		return nil, 0, fmt.Errorf("wire: %w: truncated segment table (%d segments)", ErrStructural, count)
	}
	segs := make([]Segment, count)
	for i := 0; i < int(count); i++ {
		start := 2 + i*segmentEncodedSize
		segs[i] = Segment{
			Offset: binary.LittleEndian.Uint32(buf[start : start+4]),
			Length: binary.LittleEndian.Uint32(buf[start+4 : start+8]),
		}
	}
	blobRegion := buf[tableEnd:]
	blobs := make([][]byte, count)
	totalLen := tableEnd
	for i, s := range segs {
		blob, err := s.Slice(blobRegion)
		if err != nil {
			return nil, 0, err
		}
		blobs[i] = blob
		end := int(s.Offset) + int(s.Length)
		if tableEnd+end > totalLen {
			totalLen = tableEnd + end
		}
	}
	return blobs, totalLen, nil
}
