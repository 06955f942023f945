// SPDX-License-Identifier: MIT

package negentropy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"testing"

	"pgregory.net/rand"

	"github.com/stretchr/testify/require"
)

func helperID(seed int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("event-%d", seed)))

	return hex.EncodeToString(sum[:])
}

func helperVector(t *testing.T, keys map[string]uint64) *Vector {
	t.Helper()
	v := NewVector()
	for id, ts := range keys {
		require.NoError(t, v.Insert(ts, id))
	}
	require.NoError(t, v.Seal())

	return v
}

// helperReconcile drives both sides until the initiator converges and
// returns what the initiator learned.
func helperReconcile(t *testing.T, client, server *Negentropy, maxRounds int) (haveIDs, needIDs []string) {
	t.Helper()

	msg, err := client.Initiate()
	require.NoError(t, err)

	for range maxRounds {
		response, srvHave, srvNeed, sErr := server.Reconcile(msg)
		require.NoError(t, sErr)
		require.Empty(t, srvHave)
		require.Empty(t, srvNeed)

		var out []byte
		var have, need []string
		out, have, need, err = client.Reconcile(response)
		require.NoError(t, err)
		haveIDs = append(haveIDs, have...)
		needIDs = append(needIDs, need...)
		if out == nil {
			sort.Strings(haveIDs)
			sort.Strings(needIDs)

			return haveIDs, needIDs
		}
		msg = out
	}
	t.Fatalf("no convergence after %d rounds", maxRounds)

	return nil, nil
}

func TestVarIntRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []uint64{0, 1, 127, 128, 255, 16_383, 16_384, 1 << 32, 1<<64 - 1} {
		buf := encodeVarInt(nil, n)
		reader := &byteReader{data: buf}
		got, err := reader.readVarInt()
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.True(t, reader.empty())
	}
}

func TestTimestampDeltaRoundTrip(t *testing.T) {
	t.Parallel()

	timestamps := []uint64{100, 100, 250, 1_000_000, infiniteTimestamp}
	enc := &timestampEncoder{}
	var buf []byte
	for _, ts := range timestamps {
		buf = enc.encode(buf, ts)
	}

	dec := &timestampDecoder{}
	reader := &byteReader{data: buf}
	for _, want := range timestamps {
		got, err := dec.decode(reader)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.True(t, reader.empty())
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a, b := NewVector(), NewVector()
	for i := range 50 {
		require.NoError(t, a.Insert(uint64(i), helperID(i)))
	}
	for i := 49; i >= 0; i-- {
		require.NoError(t, b.Insert(uint64(i), helperID(i)))
	}
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	require.Equal(t, a.fingerprint(0, 50), b.fingerprint(0, 50))

	// Any single missing element changes the digest.
	require.NotEqual(t, a.fingerprint(0, 50), a.fingerprint(0, 49))
	require.NotEqual(t, a.fingerprint(0, 50), a.fingerprint(1, 50))
}

func TestSealRejectsDuplicates(t *testing.T) {
	t.Parallel()

	v := NewVector()
	require.NoError(t, v.Insert(7, helperID(1)))
	require.NoError(t, v.Insert(7, helperID(1)))
	require.Error(t, v.Seal())
}

func TestMinimalBoundSeparates(t *testing.T) {
	t.Parallel()

	prev := Item{Timestamp: 10}
	curr := Item{Timestamp: 10}
	copy(prev.ID[:], []byte{0xaa, 0xbb, 0x01})
	copy(curr.ID[:], []byte{0xaa, 0xbb, 0x02})

	bound := minimalBound(&prev, &curr)
	require.Equal(t, uint64(10), bound.Timestamp)
	require.Equal(t, []byte{0xaa, 0xbb, 0x02}, bound.IDPrefix)
	require.Positive(t, boundCompareItem(&bound, &prev))
	require.LessOrEqual(t, boundCompareItem(&bound, &curr), 0)

	// Different timestamps need no id prefix at all.
	curr.Timestamp = 11
	bound = minimalBound(&prev, &curr)
	require.Equal(t, uint64(11), bound.Timestamp)
	require.Empty(t, bound.IDPrefix)
}

func TestReconcileIdenticalSets(t *testing.T) {
	t.Parallel()

	keys := make(map[string]uint64)
	for i := range 500 {
		keys[helperID(i)] = uint64(1_700_000_000 + i)
	}
	client, err := New(helperVector(t, keys), 0)
	require.NoError(t, err)
	server, err := New(helperVector(t, keys), 0)
	require.NoError(t, err)

	have, need := helperReconcile(t, client, server, 20)
	require.Empty(t, have)
	require.Empty(t, need)
}

func TestReconcileDisjointAndOverlapping(t *testing.T) {
	t.Parallel()

	shared := make(map[string]uint64)
	for i := range 400 {
		shared[helperID(i)] = uint64(1_700_000_000 + i)
	}

	clientKeys := make(map[string]uint64, len(shared))
	serverKeys := make(map[string]uint64, len(shared))
	var wantHave, wantNeed []string
	for id, ts := range shared {
		clientKeys[id], serverKeys[id] = ts, ts
	}
	for i := 400; i < 450; i++ {
		id := helperID(i)
		clientKeys[id] = uint64(1_700_000_000 + i)
		wantHave = append(wantHave, id)
	}
	for i := 450; i < 520; i++ {
		id := helperID(i)
		serverKeys[id] = uint64(1_700_000_000 + i)
		wantNeed = append(wantNeed, id)
	}
	sort.Strings(wantHave)
	sort.Strings(wantNeed)

	client, err := New(helperVector(t, clientKeys), 0)
	require.NoError(t, err)
	server, err := New(helperVector(t, serverKeys), 0)
	require.NoError(t, err)

	have, need := helperReconcile(t, client, server, 50)
	require.Equal(t, wantHave, have)
	require.Equal(t, wantNeed, need)
}

func TestReconcileEmptySides(t *testing.T) {
	t.Parallel()

	keys := make(map[string]uint64)
	for i := range 40 {
		keys[helperID(i)] = uint64(1_700_000_000 + i)
	}
	all := func() []string {
		ids := make([]string, 0, len(keys))
		for id := range keys {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		return ids
	}()

	t.Run("empty client pulls everything", func(t *testing.T) {
		client, err := New(helperVector(t, nil), 0)
		require.NoError(t, err)
		server, err := New(helperVector(t, keys), 0)
		require.NoError(t, err)
		have, need := helperReconcile(t, client, server, 20)
		require.Empty(t, have)
		require.Equal(t, all, need)
	})
	t.Run("empty server receives everything", func(t *testing.T) {
		client, err := New(helperVector(t, keys), 0)
		require.NoError(t, err)
		server, err := New(helperVector(t, nil), 0)
		require.NoError(t, err)
		have, need := helperReconcile(t, client, server, 20)
		require.Equal(t, all, have)
		require.Empty(t, need)
	})
}

func TestReconcileRandomizedNeverFalselyConverges(t *testing.T) {
	t.Parallel()

	rnd := rand.New(42)
	for round := range 5 {
		clientKeys := make(map[string]uint64)
		serverKeys := make(map[string]uint64)
		var wantHave, wantNeed []string
		for i := range 1_000 {
			id := helperID(round*10_000 + i)
			ts := uint64(1_700_000_000 + rnd.Intn(10_000))
			switch rnd.Intn(3) {
			case 0:
				clientKeys[id], serverKeys[id] = ts, ts
			case 1:
				clientKeys[id] = ts
				wantHave = append(wantHave, id)
			default:
				serverKeys[id] = ts
				wantNeed = append(wantNeed, id)
			}
		}
		sort.Strings(wantHave)
		sort.Strings(wantNeed)

		client, err := New(helperVector(t, clientKeys), 0)
		require.NoError(t, err)
		server, err := New(helperVector(t, serverKeys), 0)
		require.NoError(t, err)

		have, need := helperReconcile(t, client, server, 100)
		require.Equal(t, wantHave, have)
		require.Equal(t, wantNeed, need)
	}
}

func TestReconcileHonorsFrameSizeLimit(t *testing.T) {
	t.Parallel()

	const limit = 4_096
	clientKeys := make(map[string]uint64)
	serverKeys := make(map[string]uint64)
	var wantNeed []string
	for i := range 3_000 {
		id := helperID(i)
		ts := uint64(1_700_000_000 + i)
		serverKeys[id] = ts
		if i%3 == 0 {
			clientKeys[id] = ts
		} else {
			wantNeed = append(wantNeed, id)
		}
	}
	sort.Strings(wantNeed)

	client, err := New(helperVector(t, clientKeys), limit)
	require.NoError(t, err)
	server, err := New(helperVector(t, serverKeys), limit)
	require.NoError(t, err)

	msg, err := client.Initiate()
	require.NoError(t, err)
	require.LessOrEqual(t, len(msg), limit)

	var need []string
	for range 500 {
		response, _, _, sErr := server.Reconcile(msg)
		require.NoError(t, sErr)
		require.LessOrEqual(t, len(response), limit)

		out, _, roundNeed, cErr := client.Reconcile(response)
		require.NoError(t, cErr)
		need = append(need, roundNeed...)
		if out == nil {
			sort.Strings(need)
			require.Equal(t, wantNeed, need)

			return
		}
		require.LessOrEqual(t, len(out), limit)
		msg = out
	}
	t.Fatal("no convergence within the round budget")
}

func TestReconcileRejectsGarbage(t *testing.T) {
	t.Parallel()

	session, err := New(helperVector(t, nil), 0)
	require.NoError(t, err)
	_, err = session.Initiate()
	require.NoError(t, err)

	_, _, _, err = session.Reconcile([]byte{ProtocolVersion, 0x01})
	require.ErrorIs(t, err, ErrProtocol)

	// Initiators refuse a version they did not offer.
	_, _, _, err = session.Reconcile([]byte{0x60})
	require.ErrorIs(t, err, ErrProtocol)
}
