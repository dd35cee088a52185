package docs

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEtag_Ordering(t *testing.T) {
	a := MakeEtag(1, 5)
	b := MakeEtag(1, 6)
	c := MakeEtag(2, 0)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, b.Less(c), "epoch dominates sequence")
	assert.True(t, ZeroEtag.Less(a))
	assert.True(t, ZeroEtag.IsZero())
	assert.False(t, a.IsZero())
}

func TestEtag_Parts(t *testing.T) {
	e := MakeEtag(7, 42)
	epoch, seq := e.Parts()
	assert.Equal(t, uint64(7), epoch)
	assert.Equal(t, uint64(42), seq)
}

func TestEtag_Next(t *testing.T) {
	assert.Equal(t, MakeEtag(0, 1), ZeroEtag.Next())
	assert.Equal(t, MakeEtag(3, 9), MakeEtag(3, 8).Next())
	assert.Equal(t, MakeEtag(4, 0), MakeEtag(3, math.MaxUint64).Next())
}

func TestEtag_StringParse(t *testing.T) {
	e := MakeEtag(0xbeef, 0x15)
	assert.Equal(t, "beef-15", e.String())

	parsed, err := ParseEtag(e.String())
	assert.NoError(t, err)
	assert.Equal(t, e, parsed)

	for _, bad := range []string{"", "beef", "xx-15", "beef-zz", "1-2-3"} {
		_, err := ParseEtag(bad)
		assert.ErrorIs(t, err, ErrBadEtag, "input %q", bad)
	}
}

func TestEtagFromBytes(t *testing.T) {
	e := MakeEtag(1, 2)
	back, err := EtagFromBytes(e[:])
	assert.NoError(t, err)
	assert.Equal(t, e, back)

	_, err = EtagFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadEtag)
}

func TestEtag_MinMax(t *testing.T) {
	a, b, c := MakeEtag(1, 1), MakeEtag(1, 2), MakeEtag(2, 0)

	assert.Equal(t, a, MinEtag(c, a, b))
	assert.Equal(t, c, MaxEtag(a, c, b))
	assert.Equal(t, ZeroEtag, MinEtag())
	assert.Equal(t, ZeroEtag, MaxEtag())
}
