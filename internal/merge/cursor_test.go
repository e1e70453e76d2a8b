package merge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCombine(t *testing.T) {
	tests := []struct {
		name string
		prev int64
		next int64
		pick Pick
		want int64
	}{
		{"both unset", 0, 0, PickMin, 0},
		{"prev unset takes next", 0, 500, PickMin, 500},
		{"next unset keeps prev", 500, 0, PickMin, 500},
		{"prev unset takes next max", 0, 500, PickMax, 500},
		{"min picks smaller", 300, 500, PickMin, 300},
		{"min picks smaller reversed", 500, 300, PickMin, 300},
		{"max picks larger", 300, 500, PickMax, 500},
		{"max picks larger reversed", 500, 300, PickMax, 500},
		{"equal values", 400, 400, PickMax, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Combine(tt.prev, tt.next, tt.pick))
		})
	}
}
