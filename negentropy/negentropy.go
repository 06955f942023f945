// SPDX-License-Identifier: MIT

// Package negentropy implements range-based set reconciliation (negentropy
// protocol v1) over event keys ordered by (created_at, id). Either side holds
// its keys in a Vector; the initiator opens with Initiate and both sides
// alternate Reconcile rounds until the message drains to nothing.
package negentropy

import (
	"bytes"
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

const (
	// splitBuckets is how many fingerprint buckets a differing range is
	// divided into on the next round.
	splitBuckets = 16

	// idListThreshold is the range size below which ids are sent outright
	// instead of recursing into bucket fingerprints.
	idListThreshold = 2 * splitBuckets

	// frameSizeReserve is headroom below the frame size limit: one more
	// range (a 16-bucket split or a threshold-sized id list) plus the
	// trailing catch-all fingerprint always fits inside it.
	frameSizeReserve = 1_200
)

// Negentropy is one side of a reconciliation session.
type Negentropy struct {
	storage        *Vector
	frameSizeLimit int
	isInitiator    bool
}

// New creates a session over a sealed vector. frameSizeLimit bounds each
// produced message in bytes; zero means unbounded.
func New(storage *Vector, frameSizeLimit int) (*Negentropy, error) {
	if !storage.sealed {
		return nil, errors.New("vector must be sealed before reconciliation")
	}
	if frameSizeLimit != 0 && frameSizeLimit < 4_096 {
		return nil, errors.Errorf("frame size limit %d is too small", frameSizeLimit)
	}

	return &Negentropy{storage: storage, frameSizeLimit: frameSizeLimit}, nil
}

// Initiate produces the opening message covering the full key space.
func (n *Negentropy) Initiate() ([]byte, error) {
	if n.isInitiator {
		return nil, errors.New("session already initiated")
	}
	n.isInitiator = true

	out := &messageWriter{buf: []byte{ProtocolVersion}, limit: n.frameSizeLimit}
	n.splitRange(0, n.storage.Size(), infiniteBound(), out)

	return out.buf, nil
}

// Reconcile consumes a peer message and produces the next round. On the
// initiator side it also accumulates haveIDs (present locally, missing on the
// peer) and needIDs (the reverse); the session converges when the returned
// output carries no ranges besides the version byte.
func (n *Negentropy) Reconcile(msg []byte) (output []byte, haveIDs, needIDs []string, err error) {
	reader := &byteReader{data: msg}
	version, err := reader.readByte()
	if err != nil {
		return nil, nil, nil, err
	}
	if version != ProtocolVersion {
		if n.isInitiator {
			return nil, nil, nil, errors.Wrapf(ErrProtocol, "unsupported negentropy version %#x", version)
		}
		// A non-initiator answers an unknown version with a bare version
		// byte, telling the peer to downgrade.
		return []byte{ProtocolVersion}, nil, nil, nil
	}

	out := &messageWriter{buf: []byte{ProtocolVersion}, limit: n.frameSizeLimit}
	decoder := &timestampDecoder{}
	prevIndex := 0

	for !reader.empty() {
		currBound, dErr := decoder.decodeBound(reader)
		if dErr != nil {
			return nil, nil, nil, dErr
		}
		rangeMode, dErr := reader.readVarInt()
		if dErr != nil {
			return nil, nil, nil, dErr
		}

		lower := prevIndex
		upper := n.storage.findLowerBound(prevIndex, n.storage.Size(), currBound)

		switch mode(rangeMode) {
		case modeSkip:
			out.markSkip(currBound)

		case modeFingerprint:
			theirFingerprint, fErr := reader.readBytes(FingerprintSize)
			if fErr != nil {
				return nil, nil, nil, fErr
			}
			ours := n.storage.fingerprint(lower, upper)
			if bytes.Equal(theirFingerprint, ours[:]) {
				out.markSkip(currBound)
			} else {
				n.splitRange(lower, upper, currBound, out)
			}

		case modeIDList:
			count, lErr := reader.readVarInt()
			if lErr != nil {
				return nil, nil, nil, lErr
			}
			theirIDs := make(map[[IDSize]byte]struct{}, count)
			for range count {
				raw, rErr := reader.readBytes(IDSize)
				if rErr != nil {
					return nil, nil, nil, rErr
				}
				var id [IDSize]byte
				copy(id[:], raw)
				theirIDs[id] = struct{}{}
			}

			if n.isInitiator {
				out.markSkip(currBound)
				for i := lower; i < upper; i++ {
					id := n.storage.item(i).ID
					if _, both := theirIDs[id]; both {
						delete(theirIDs, id)
					} else {
						haveIDs = append(haveIDs, hex.EncodeToString(id[:]))
					}
				}
				for id := range theirIDs {
					needIDs = append(needIDs, hex.EncodeToString(id[:]))
				}
			} else {
				// Answer with our own id list so the initiator can diff.
				// We may hold far more ids in the range than the peer did;
				// anything beyond the frame budget is cut off and left to
				// the catch-all fingerprint below.
				endBound, endIndex := currBound, upper
				if out.limit != 0 {
					if budget := (out.limit - frameSizeReserve - len(out.buf)) / IDSize; endIndex-lower > max(budget, 1) {
						endIndex = lower + max(budget, 1)
						cut := n.storage.item(endIndex)
						endBound = Bound{Timestamp: cut.Timestamp, IDPrefix: append([]byte(nil), cut.ID[:]...)}
					}
				}
				payload := encodeVarInt(nil, uint64(endIndex-lower))
				for i := lower; i < endIndex; i++ {
					payload = append(payload, n.storage.item(i).ID[:]...)
				}
				out.writeRange(endBound, modeIDList, payload)
				upper = endIndex
			}

		default:
			return nil, nil, nil, errors.Wrapf(ErrProtocol, "unexpected mode %d", rangeMode)
		}

		if out.full() && upper < n.storage.Size() {
			// The frame is full: fingerprint everything left in one range
			// and let the next round narrow it down.
			remaining := n.storage.fingerprint(upper, n.storage.Size())
			out.writeRange(infiniteBound(), modeFingerprint, remaining[:])
			if sErr := skipRemainingRanges(reader, decoder); sErr != nil {
				return nil, nil, nil, sErr
			}

			break
		}

		prevIndex = upper
	}

	// A skip still pending here would be the trailing range; it carries no
	// information, so it is dropped rather than flushed.
	out.pendingSkip = nil
	if n.isInitiator && len(out.buf) == 1 {
		// Nothing left to exchange.
		return nil, haveIDs, needIDs, nil
	}

	return out.buf, haveIDs, needIDs, nil
}

// splitRange divides [lower, upper) into bucket fingerprints, or sends the
// ids outright when the range is small.
func (n *Negentropy) splitRange(lower, upper int, upperBound Bound, out *messageWriter) {
	numElems := upper - lower
	if numElems < idListThreshold {
		payload := encodeVarInt(nil, uint64(numElems))
		for i := lower; i < upper; i++ {
			payload = append(payload, n.storage.item(i).ID[:]...)
		}
		out.writeRange(upperBound, modeIDList, payload)

		return
	}

	itemsPerBucket := numElems / splitBuckets
	bucketsWithExtra := numElems % splitBuckets
	curr := lower
	for i := range splitBuckets {
		bucketSize := itemsPerBucket
		if i < bucketsWithExtra {
			bucketSize++
		}
		ours := n.storage.fingerprint(curr, curr+bucketSize)
		curr += bucketSize

		nextBound := upperBound
		if curr != upper {
			nextBound = minimalBound(n.storage.item(curr-1), n.storage.item(curr))
		}
		out.writeRange(nextBound, modeFingerprint, ours[:])
	}
}

// skipRemainingRanges drains the rest of an incoming message after the
// outgoing frame filled up. The dropped ranges are covered by the catch-all
// fingerprint, so later rounds revisit them.
func skipRemainingRanges(reader *byteReader, decoder *timestampDecoder) error {
	for !reader.empty() {
		if _, err := decoder.decodeBound(reader); err != nil {
			return err
		}
		rangeMode, err := reader.readVarInt()
		if err != nil {
			return err
		}
		switch mode(rangeMode) {
		case modeSkip:
		case modeFingerprint:
			if _, err = reader.readBytes(FingerprintSize); err != nil {
				return err
			}
		case modeIDList:
			count, cErr := reader.readVarInt()
			if cErr != nil {
				return cErr
			}
			if _, err = reader.readBytes(int(count) * IDSize); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrProtocol, "unexpected mode %d", rangeMode)
		}
	}

	return nil
}

// messageWriter assembles an outgoing frame, coalescing consecutive skip
// ranges into a single one flushed right before the next payload range.
type messageWriter struct {
	buf         []byte
	limit       int
	encoder     timestampEncoder
	pendingSkip *Bound
}

func (w *messageWriter) markSkip(bound Bound) {
	w.pendingSkip = &bound
}

func (w *messageWriter) flushSkip() {
	if w.pendingSkip == nil {
		return
	}
	w.buf = w.encoder.encodeBound(w.buf, *w.pendingSkip)
	w.buf = encodeVarInt(w.buf, uint64(modeSkip))
	w.pendingSkip = nil
}

func (w *messageWriter) writeRange(bound Bound, m mode, payload []byte) {
	w.flushSkip()
	w.buf = w.encoder.encodeBound(w.buf, bound)
	w.buf = encodeVarInt(w.buf, uint64(m))
	w.buf = append(w.buf, payload...)
}

func (w *messageWriter) full() bool {
	return w.limit != 0 && len(w.buf) > w.limit-frameSizeReserve
}
