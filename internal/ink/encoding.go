package ink

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidSnapshot indicates that snapshot bytes are not a varuint-framed update list.
var ErrInvalidSnapshot = errors.New("ink: invalid snapshot encoding")

// EncodeSnapshot frames updates as varuint(count) followed by varuint(len)+bytes per update.
// The varuint layout matches lib0 so browser clients decode it with the same reader they use for Yjs.
func EncodeSnapshot(updates [][]byte) []byte {
	size := binary.MaxVarintLen64
	for _, update := range updates {
		size += binary.MaxVarintLen64 + len(update)
	}
	encoded := make([]byte, 0, size)
	encoded = binary.AppendUvarint(encoded, uint64(len(updates)))
	for _, update := range updates {
		encoded = binary.AppendUvarint(encoded, uint64(len(update)))
		encoded = append(encoded, update...)
	}
	return encoded
}

// DecodeSnapshot splits a snapshot back into its updates.
func DecodeSnapshot(data []byte) ([][]byte, error) {
	count, offset := binary.Uvarint(data)
	if offset <= 0 {
		return nil, fmt.Errorf("%w: missing update count", ErrInvalidSnapshot)
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: update count %d exceeds payload", ErrInvalidSnapshot, count)
	}
	updates := make([][]byte, 0, count)
	for index := uint64(0); index < count; index++ {
		length, read := binary.Uvarint(data[offset:])
		if read <= 0 {
			return nil, fmt.Errorf("%w: update %d has no length", ErrInvalidSnapshot, index)
		}
		offset += read
		if length > uint64(len(data)-offset) {
			return nil, fmt.Errorf("%w: update %d is truncated", ErrInvalidSnapshot, index)
		}
		end := offset + int(length)
		update := make([]byte, length)
		copy(update, data[offset:end])
		updates = append(updates, update)
		offset = end
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidSnapshot, len(data)-offset)
	}
	return updates, nil
}
