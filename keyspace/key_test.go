package keyspace

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyWithByte(index int, value byte) Key {
	var k Key
	k[index] = value
	return k
}

func TestDistanceSymmetric(t *testing.T) {
	for i := 0; i < 500; i++ {
		a, b := Random(), Random()
		assert.Equal(t, Xor(a, b), Xor(b, a))
		assert.Equal(t, a.Distance(b), b.Distance(a))
	}
}

func TestDistanceZeroIffEqual(t *testing.T) {
	a := Random()
	assert.True(t, a.Distance(a).IsZero())

	b := a
	b[KeySize-1] ^= 0x01
	assert.False(t, a.Distance(b).IsZero())
}

func TestDistanceTriangleInequality(t *testing.T) {
	toInt := func(d Distance) *big.Int {
		return new(big.Int).SetBytes(d[:])
	}

	for i := 0; i < 1000; i++ {
		a, b, c := Random(), Random(), Random()
		ab := toInt(Xor(a, b))
		bc := toInt(Xor(b, c))
		ac := toInt(Xor(a, c))

		sum := new(big.Int).Add(ab, bc)
		require.LessOrEqual(t, ac.Cmp(sum), 0, "d(a,c) must not exceed d(a,b)+d(b,c)")
	}
}

func TestPrefixLength(t *testing.T) {
	tests := []struct {
		name string
		d    Distance
		want int
	}{
		{"top bit set", Distance(keyWithByte(0, 0x80)), 0},
		{"second bit set", Distance(keyWithByte(0, 0x40)), 1},
		{"first byte low bit", Distance(keyWithByte(0, 0x01)), 7},
		{"second byte top bit", Distance(keyWithByte(1, 0x80)), 8},
		{"last bit", Distance(keyWithByte(KeySize-1, 0x01)), BitLength - 1},
		{"zero distance", Distance{}, BitLength - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.PrefixLength())
		})
	}
}

func TestPrefixLengthSelfIsLastBucket(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := Random()
		assert.Equal(t, BitLength-1, Xor(a, a).PrefixLength())
	}
}

func TestPrefixLengthInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := Xor(Random(), Random()).PrefixLength()
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, BitLength)
	}
}

func TestDistanceOrdering(t *testing.T) {
	near := Distance(keyWithByte(KeySize-1, 0x01))
	far := Distance(keyWithByte(0, 0x01))

	assert.True(t, near.Less(far))
	assert.False(t, far.Less(near))
	assert.False(t, near.Less(near))
	assert.Equal(t, 0, far.Cmp(far))
}

func TestFromStringDeterministic(t *testing.T) {
	assert.Equal(t, FromString("k"), FromString("k"))
	assert.NotEqual(t, FromString("k"), FromString("v"))
}

func TestParseHexRoundTrip(t *testing.T) {
	k := Random()
	parsed, err := ParseHex(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseHex("abcd")
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = ParseHex("zz")
	assert.Error(t, err)
}

func TestKeyJSONEncoding(t *testing.T) {
	info := NodeInfo{ID: Random(), Addr: "127.0.0.1:9000"}

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), info.ID.String())

	var decoded NodeInfo
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, info, decoded)
}

func TestSortByDistance(t *testing.T) {
	var target Key
	nodes := []NodeInfo{
		{ID: keyWithByte(0, 0x80), Addr: "a"},
		{ID: keyWithByte(KeySize-1, 0x01), Addr: "b"},
		{ID: keyWithByte(5, 0x10), Addr: "c"},
	}

	SortByDistance(nodes, target)

	assert.Equal(t, "b", nodes[0].Addr)
	assert.Equal(t, "c", nodes[1].Addr)
	assert.Equal(t, "a", nodes[2].Addr)
}
