package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkStart(t *testing.T) {
	assert.Equal(t, int64(1), ChunkStart(1, DefaultChunkSize))
	assert.Equal(t, int64(1), ChunkStart(100, DefaultChunkSize))
	assert.Equal(t, int64(101), ChunkStart(101, DefaultChunkSize))
	assert.Equal(t, int64(201), ChunkStart(250, DefaultChunkSize))
}

func TestPackRoundTrip(t *testing.T) {
	entries := []*PackEntry{
		{Seq: 1, Ciphertext: []byte("alpha")},
		{Seq: 2, Ciphertext: []byte{}},
		{Seq: 7, Ciphertext: []byte{0x00, 0xff, 0x1e}},
	}
	decoded, err := DecodePack(EncodePack(entries))
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))
	for i, e := range entries {
		assert.Equal(t, e.Seq, decoded[i].Seq)
		assert.Equal(t, e.Ciphertext, decoded[i].Ciphertext)
	}
}

func TestPackEmptyRoundTrip(t *testing.T) {
	decoded, err := DecodePack(EncodePack(nil))
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestPackTruncatedDecodesPrefix(t *testing.T) {
	entries := []*PackEntry{
		{Seq: 1, Ciphertext: []byte("first entry")},
		{Seq: 2, Ciphertext: []byte("second entry")},
	}
	data := EncodePack(entries)

	// Cut inside the second entry: the first must still decode, without a
	// panic, and the error must mark the truncation.
	truncated := data[:len(data)-5]
	decoded, err := DecodePack(truncated)
	assert.Error(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(1), decoded[0].Seq)
	assert.Equal(t, []byte("first entry"), decoded[0].Ciphertext)
}

func TestPackBadMagic(t *testing.T) {
	_, err := DecodePack([]byte("XXXXX\x00\x00\x00\x00"))
	assert.Error(t, err)
}

func TestPackOversizedLengthRejected(t *testing.T) {
	data := EncodePack([]*PackEntry{{Seq: 1, Ciphertext: []byte("x")}})
	// Corrupt the declared ciphertext length to exceed the buffer.
	data[len(data)-5] = 0xff
	decoded, err := DecodePack(data)
	assert.Error(t, err)
	assert.Empty(t, decoded)
}

func TestPullBinRoundTrip(t *testing.T) {
	entries := []*PullBinEntry{
		{DeviceID: "dev-a", Seq: 1, OpID: "op-1", Ciphertext: []byte("one")},
		{DeviceID: "dev-b", Seq: 42, OpID: "op-2", Ciphertext: []byte{}},
	}
	decoded, err := DecodePullBin(EncodePullBin(entries))
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))
	for i, e := range entries {
		assert.Equal(t, e.DeviceID, decoded[i].DeviceID)
		assert.Equal(t, e.Seq, decoded[i].Seq)
		assert.Equal(t, e.OpID, decoded[i].OpID)
		assert.Equal(t, e.Ciphertext, decoded[i].Ciphertext)
	}
}

func TestScopeIDDistinguishesTargets(t *testing.T) {
	a := ScopeID("localdir:/mnt/a", "vault")
	b := ScopeID("localdir:/mnt/b", "vault")
	c := ScopeID("localdir:/mnt/a", "other")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, "=")
}
