package generics

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceMap(t *testing.T) {
	in := []int{1, 2, 3}
	out := SliceMap(in, func(e int) string { return strconv.Itoa(e * 2) })
	require.Equal(t, []string{"2", "4", "6"}, out)

	require.Empty(t, SliceMap(nil, func(e int) int { return e }))
}

func TestSliceWithValue(t *testing.T) {
	require.Equal(t, []float32{0.5, 0.5, 0.5}, SliceWithValue(3, float32(0.5)))
	require.Empty(t, SliceWithValue(0, 1))
}
