package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func entries(nums ...uint64) []byte {
	var out []byte
	for _, n := range nums {
		out = append(out, byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return out
}

func trimWith(n uint32, tail []byte) []byte {
	return append(TrimOperand(n), tail...)
}

// fold runs the merger the way pebble does: newest operand first, older
// values merged in afterwards.
func fold(t *testing.T, includesBase bool, oldestFirst ...[]byte) ([]byte, error) {
	t.Helper()
	newest := oldestFirst[len(oldestFirst)-1]
	vm, err := ConcatTrimMerger.Merge(nil, newest)
	require.NoError(t, err)
	for i := len(oldestFirst) - 2; i >= 0; i-- {
		require.NoError(t, vm.MergeOlder(oldestFirst[i]))
	}
	out, _, err := vm.Finish(includesBase)
	return out, err
}

func TestMergeFullFold(t *testing.T) {
	tests := []struct {
		name string
		ops  [][]byte
		want []byte
	}{
		{
			name: "concat onto base",
			ops:  [][]byte{entries(0, 1), ConcatOperand(entries(2))},
			want: entries(0, 1, 2),
		},
		{
			name: "concat chain",
			ops:  [][]byte{entries(0), ConcatOperand(entries(1)), ConcatOperand(entries(2, 3))},
			want: entries(0, 1, 2, 3),
		},
		{
			name: "trim tail",
			ops:  [][]byte{entries(0, 1, 2, 4), TrimOperand(3)},
			want: entries(0),
		},
		{
			name: "trim to empty",
			ops:  [][]byte{entries(5, 6), TrimOperand(2)},
			want: []byte{},
		},
		{
			name: "concat then trim",
			ops:  [][]byte{entries(0), ConcatOperand(entries(1, 2)), TrimOperand(1), ConcatOperand(entries(7))},
			want: entries(0, 1, 7),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fold(t, true, tt.ops...)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMergeWithoutBaseKeepsOperandForm(t *testing.T) {
	got, err := fold(t, false, ConcatOperand(entries(1)), ConcatOperand(entries(2)))
	require.NoError(t, err)
	require.Equal(t, ConcatOperand(entries(1, 2)), got)

	// a trim that reaches past the collected entries must survive until it
	// meets the base value
	got, err = fold(t, false, ConcatOperand(entries(1)), TrimOperand(3), ConcatOperand(entries(9)))
	require.NoError(t, err)
	require.Equal(t, trimWith(2, entries(9)), got)

	full, err := fold(t, true, entries(3, 4, 5), got)
	require.NoError(t, err)
	require.Equal(t, entries(3, 9), full)
}

func TestMergeTrimBeyondBase(t *testing.T) {
	_, err := fold(t, true, entries(1), TrimOperand(2))
	var tooLarge *TrimTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, uint64(1), tooLarge.Trim)

	// an absent base counts as empty
	_, err = fold(t, true, TrimOperand(1))
	require.ErrorAs(t, err, &tooLarge)
}

func TestMergeUnknownPrefix(t *testing.T) {
	_, err := fold(t, true, entries(1), []byte{'X', 1, 2, 3, 4, 5, 6, 7, 8})
	var unknown *UnknownOperandPrefixError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, byte('X'), unknown.Prefix)

	// a correct prefix with a misaligned payload is just as invalid
	_, err = fold(t, true, entries(1), []byte{'C', 1, 2})
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, byte('C'), unknown.Prefix)
}
