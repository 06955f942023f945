// SPDX-License-Identifier: MIT

package negentropy

import (
	"bytes"
	"math"

	"github.com/cockroachdb/errors"
)

const (
	// ProtocolVersion is the negentropy v1 version byte.
	ProtocolVersion byte = 0x61

	IDSize          = 32
	FingerprintSize = 16

	// infiniteTimestamp marks the open upper bound of the key space.
	infiniteTimestamp = math.MaxUint64
)

type mode uint64

const (
	modeSkip mode = iota
	modeFingerprint
	modeIDList
)

var ErrProtocol = errors.New("sync protocol error")

// Item is one element of the reconciled key space: an event id ordered by
// creation time, ties broken by id bytes.
type Item struct {
	Timestamp uint64
	ID        [IDSize]byte
}

func itemCompare(a, b *Item) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}

		return 1
	}

	return bytes.Compare(a.ID[:], b.ID[:])
}

// Bound is a range delimiter: a timestamp plus an id prefix. A bound sorts
// before any item whose id extends its prefix.
type Bound struct {
	Timestamp uint64
	IDPrefix  []byte
}

func infiniteBound() Bound {
	return Bound{Timestamp: infiniteTimestamp}
}

func boundCompareItem(b *Bound, item *Item) int {
	if b.Timestamp != item.Timestamp {
		if b.Timestamp < item.Timestamp {
			return -1
		}

		return 1
	}
	if c := bytes.Compare(b.IDPrefix, item.ID[:len(b.IDPrefix)]); c != 0 {
		return c
	}
	if len(b.IDPrefix) < IDSize {
		// A strict prefix sorts before the full id.
		return -1
	}

	return 0
}

// minimalBound computes the shortest bound separating prev from curr, so
// ranges transmit as few id bytes as possible.
func minimalBound(prev, curr *Item) Bound {
	if curr.Timestamp != prev.Timestamp {
		return Bound{Timestamp: curr.Timestamp}
	}
	shared := 0
	for shared < IDSize && prev.ID[shared] == curr.ID[shared] {
		shared++
	}

	return Bound{Timestamp: curr.Timestamp, IDPrefix: append([]byte(nil), curr.ID[:shared+1]...)}
}

func encodeVarInt(buf []byte, n uint64) []byte {
	if n == 0 {
		return append(buf, 0)
	}

	var tmp [10]byte
	i := len(tmp)
	for n != 0 {
		i--
		tmp[i] = byte(n & 0x7f)
		n >>= 7
	}
	for j := i; j < len(tmp)-1; j++ {
		tmp[j] |= 0x80
	}

	return append(buf, tmp[i:]...)
}

type byteReader struct {
	data []byte
}

func (r *byteReader) empty() bool {
	return len(r.data) == 0
}

func (r *byteReader) readByte() (byte, error) {
	if len(r.data) == 0 {
		return 0, errors.Wrap(ErrProtocol, "unexpected end of message")
	}
	b := r.data[0]
	r.data = r.data[1:]

	return b, nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || len(r.data) < n {
		return nil, errors.Wrapf(ErrProtocol, "unexpected end of message, want %d bytes, have %d", n, len(r.data))
	}
	out := r.data[:n]
	r.data = r.data[n:]

	return out, nil
}

func (r *byteReader) readVarInt() (uint64, error) {
	var n uint64
	for range 10 {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		n = n<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return n, nil
		}
	}

	return 0, errors.Wrap(ErrProtocol, "varint is too long")
}

// Timestamps are delta-encoded across a message, offset by one so that zero
// can mean infinity.

type timestampEncoder struct {
	last uint64
}

func (e *timestampEncoder) encode(buf []byte, timestamp uint64) []byte {
	if timestamp == infiniteTimestamp {
		e.last = infiniteTimestamp

		return encodeVarInt(buf, 0)
	}
	delta := timestamp - e.last
	e.last = timestamp

	return encodeVarInt(buf, delta+1)
}

type timestampDecoder struct {
	last uint64
}

func (d *timestampDecoder) decode(r *byteReader) (uint64, error) {
	v, err := r.readVarInt()
	if err != nil {
		return 0, err
	}
	if v == 0 {
		d.last = infiniteTimestamp

		return infiniteTimestamp, nil
	}
	timestamp := v - 1 + d.last
	if timestamp < d.last {
		return 0, errors.Wrap(ErrProtocol, "timestamp delta overflow")
	}
	d.last = timestamp

	return timestamp, nil
}

func (e *timestampEncoder) encodeBound(buf []byte, bound Bound) []byte {
	buf = e.encode(buf, bound.Timestamp)
	buf = encodeVarInt(buf, uint64(len(bound.IDPrefix)))

	return append(buf, bound.IDPrefix...)
}

func (d *timestampDecoder) decodeBound(r *byteReader) (Bound, error) {
	timestamp, err := d.decode(r)
	if err != nil {
		return Bound{}, err
	}
	prefixLen, err := r.readVarInt()
	if err != nil {
		return Bound{}, err
	}
	if prefixLen > IDSize {
		return Bound{}, errors.Wrapf(ErrProtocol, "bound id prefix is too long: %d", prefixLen)
	}
	prefix, err := r.readBytes(int(prefixLen))
	if err != nil {
		return Bound{}, err
	}

	return Bound{Timestamp: timestamp, IDPrefix: append([]byte(nil), prefix...)}, nil
}
