// Package piece implements piece/block arithmetic and the per-piece block
// assembler that verifies reassembled pieces against their SHA-1 digests.
package piece

// MaxBlockLength is the fixed block size requested from peers; only the
// final block of a piece may be shorter.
const MaxBlockLength = 16 * 1024

// Count returns how many pieces are needed to cover size bytes.
func Count(size int64, pieceLen int32) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + int64(pieceLen) - 1) / int64(pieceLen))
}

// LastLength returns the exact byte length of the final piece.
func LastLength(size int64, pieceLen int32) int32 {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	if rem := size % int64(pieceLen); rem != 0 {
		return int32(rem)
	}
	return pieceLen
}

// LengthAt returns the length of piece index, accounting for a possibly
// shorter final piece.
func LengthAt(index int, size int64, pieceLen int32) (int32, bool) {
	count := Count(size, pieceLen)
	if index < 0 || index >= count {
		return 0, false
	}
	if index == count-1 {
		return LastLength(size, pieceLen), true
	}
	return pieceLen, true
}

// OffsetBounds returns the [start,end) byte range of piece index within the
// whole torrent.
func OffsetBounds(index int, size int64, pieceLen int32) (start, end int64, ok bool) {
	pl, ok := LengthAt(index, size, pieceLen)
	if !ok {
		return 0, 0, false
	}
	start = int64(index) * int64(pieceLen)
	return start, start + int64(pl), true
}

// BlockCount returns the number of MaxBlockLength blocks needed to cover a
// piece of length pieceLen.
func BlockCount(pieceLen int32) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + MaxBlockLength - 1) / MaxBlockLength)
}

// LastBlockLength returns the exact byte length of a piece's final block.
func LastBlockLength(pieceLen int32) int32 {
	if pieceLen <= 0 {
		return 0
	}
	if rem := pieceLen % MaxBlockLength; rem != 0 {
		return rem
	}
	return MaxBlockLength
}

// BlockBounds returns the [begin,length] of block blockIdx within a piece of
// length pieceLen.
func BlockBounds(pieceLen int32, blockIdx int) (begin, length int32, ok bool) {
	bc := BlockCount(pieceLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, false
	}
	begin = int32(blockIdx) * MaxBlockLength
	length = MaxBlockLength
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen)
	}
	return begin, length, true
}

// BlockIndexForBegin maps a byte offset within a piece to its block index.
// It returns -1 if begin does not land on a block boundary or is out of
// range.
func BlockIndexForBegin(begin, pieceLen int32) int {
	if begin < 0 || begin >= pieceLen || begin%MaxBlockLength != 0 {
		return -1
	}
	return int(begin / MaxBlockLength)
}
