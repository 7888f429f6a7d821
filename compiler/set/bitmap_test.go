package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapSetClear(t *testing.T) {
	var s Bitmap

	s.Set(3)
	s.Set(200)

	assert.True(t, s.IsSet(3))
	assert.True(t, s.IsSet(200))
	assert.False(t, s.IsSet(4))
	assert.Equal(t, 2, s.Size())

	s.Clear(3)

	assert.False(t, s.IsSet(3))
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, 200, s.First())
}

func TestBitmapOrChanged(t *testing.T) {
	var a, b Bitmap

	a.Set(1)
	b.Set(1)

	assert.False(t, a.OrChanged(b))

	b.Set(100)

	assert.True(t, a.OrChanged(b))
	assert.False(t, a.OrChanged(b))
	assert.True(t, a.IsSet(100))
}

func TestBitmapRange(t *testing.T) {
	var s Bitmap

	for _, i := range []int{0, 5, 63, 64, 130} {
		s.Set(i)
	}

	var got []int

	s.Range(func(i int) bool {
		got = append(got, i)
		return true
	})

	assert.Equal(t, []int{0, 5, 63, 64, 130}, got)
}
