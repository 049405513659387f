package ink

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyUpdate indicates a zero-length update blob.
	ErrEmptyUpdate = errors.New("ink: empty update")
	// ErrUpdateTooLarge indicates an update above the per-update byte limit.
	ErrUpdateTooLarge = errors.New("ink: update exceeds size limit")
	// ErrDocumentFull indicates that merging would push a document above its byte limit.
	ErrDocumentFull = errors.New("ink: document exceeds size limit")
)

type updateKey [sha256.Size]byte

// Document is the merged ink state of one session.
// It is a grow-only set of update blobs keyed by content hash, so merging is
// commutative, associative and idempotent, and its encoding is independent of arrival order.
// Document is not safe for concurrent use; Engine guards it.
type Document struct {
	updates  map[updateKey][]byte
	size     int
	maxBytes int
	encoded  []byte
}

// NewDocument constructs an empty document; maxBytes <= 0 disables the size limit.
func NewDocument(maxBytes int) *Document {
	return &Document{
		updates:  make(map[updateKey][]byte),
		maxBytes: maxBytes,
	}
}

// Merge adds an update and reports whether it was new.
func (d *Document) Merge(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, ErrEmptyUpdate
	}
	key := updateKey(sha256.Sum256(update))
	if _, exists := d.updates[key]; exists {
		return false, nil
	}
	if d.maxBytes > 0 && d.size+len(update) > d.maxBytes {
		return false, fmt.Errorf("%w: %d + %d > %d bytes", ErrDocumentFull, d.size, len(update), d.maxBytes)
	}
	stored := make([]byte, len(update))
	copy(stored, update)
	d.updates[key] = stored
	d.size += len(stored)
	d.encoded = nil
	return true, nil
}

// Len returns the number of distinct updates.
func (d *Document) Len() int {
	return len(d.updates)
}

// Size returns the total bytes of distinct updates.
func (d *Document) Size() int {
	return d.size
}

// Encode returns the snapshot of every update ordered by hash.
func (d *Document) Encode() []byte {
	if d.encoded == nil {
		keys := make([]updateKey, 0, len(d.updates))
		for key := range d.updates {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return bytes.Compare(keys[i][:], keys[j][:]) < 0
		})
		ordered := make([][]byte, 0, len(keys))
		for _, key := range keys {
			ordered = append(ordered, d.updates[key])
		}
		d.encoded = EncodeSnapshot(ordered)
	}
	snapshot := make([]byte, len(d.encoded))
	copy(snapshot, d.encoded)
	return snapshot
}
