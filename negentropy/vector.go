// SPDX-License-Identifier: MIT

package negentropy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/cockroachdb/errors"
)

// Vector is the in-memory range storage: the reconciled key set sorted
// ascending by (timestamp, id). It is filled once, sealed, then queried.
type Vector struct {
	items  []Item
	sealed bool
}

func NewVector() *Vector {
	return &Vector{}
}

// Insert adds an event key. The id is a 64-character lowercase hex string.
func (v *Vector) Insert(timestamp uint64, id string) error {
	if v.sealed {
		return errors.New("vector is already sealed")
	}
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != IDSize {
		return errors.Errorf("invalid event id %q", id)
	}
	item := Item{Timestamp: timestamp}
	copy(item.ID[:], raw)
	v.items = append(v.items, item)

	return nil
}

// Seal sorts the items and locks the vector against further inserts.
func (v *Vector) Seal() error {
	if v.sealed {
		return errors.New("vector is already sealed")
	}
	v.sealed = true
	sort.Slice(v.items, func(i, j int) bool {
		return itemCompare(&v.items[i], &v.items[j]) < 0
	})
	for i := 1; i < len(v.items); i++ {
		if itemCompare(&v.items[i-1], &v.items[i]) == 0 {
			return errors.Errorf("duplicate item %x in vector", v.items[i].ID)
		}
	}

	return nil
}

func (v *Vector) Size() int {
	return len(v.items)
}

func (v *Vector) item(i int) *Item {
	return &v.items[i]
}

// findLowerBound returns the first index in [begin, end) whose item sorts at
// or after the bound.
func (v *Vector) findLowerBound(begin, end int, bound Bound) int {
	return begin + sort.Search(end-begin, func(i int) bool {
		return boundCompareItem(&bound, &v.items[begin+i]) <= 0
	})
}

// fingerprint hashes the range [begin, end): the ids are summed as
// little-endian 256-bit integers, then sha256(sum ‖ varint(count)) is
// truncated to 16 bytes. Addition makes the digest order-independent and
// incrementally maintainable.
func (v *Vector) fingerprint(begin, end int) [FingerprintSize]byte {
	var sum [IDSize]byte
	for i := begin; i < end; i++ {
		var carry uint64
		id := &v.items[i].ID
		for w := 0; w < IDSize; w += 8 {
			a := binary.LittleEndian.Uint64(sum[w:])
			b := binary.LittleEndian.Uint64(id[w:])
			next := a + b + carry
			if next < a || (carry == 1 && next == a) {
				carry = 1
			} else {
				carry = 0
			}
			binary.LittleEndian.PutUint64(sum[w:], next)
		}
	}

	input := make([]byte, 0, IDSize+10)
	input = append(input, sum[:]...)
	input = encodeVarInt(input, uint64(end-begin))
	digest := sha256.Sum256(input)

	var fp [FingerprintSize]byte
	copy(fp[:], digest[:FingerprintSize])

	return fp
}
