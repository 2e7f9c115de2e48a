package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPosition_Apply(t *testing.T) {
	tests := []struct {
		name         string
		fills        [][2]float64
		wantSize     float64
		wantAvg      float64
		wantRealized float64
	}{
		{"open long", [][2]float64{{1, 100}}, 1, 100, 0},
		{"add long", [][2]float64{{1, 100}, {1, 110}}, 2, 105, 0},
		{"partial close long", [][2]float64{{2, 100}, {-1, 110}}, 1, 100, 10},
		{"close short at profit", [][2]float64{{-1, 100}, {1, 90}}, 0, 0, 10},
		{"flip long to short", [][2]float64{{1, 100}, {-3, 120}}, -2, 120, 20},
		{"zero fill ignored", [][2]float64{{1, 100}, {0, 500}}, 1, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			for _, f := range tt.fills {
				p.Apply(f[0], f[1])
			}
			size, avg := p.Get()
			assert.InDelta(t, tt.wantSize, size, 1e-9)
			assert.InDelta(t, tt.wantAvg, avg, 1e-9)
			assert.InDelta(t, tt.wantRealized, p.Realized(), 1e-9)
		})
	}
}

func TestPosition_UnrealizedAndSnapshot(t *testing.T) {
	p := New()
	assert.True(t, p.IsFlat())
	assert.Equal(t, 0.0, p.Unrealized(100))

	p.Apply(-2, 100)
	assert.InDelta(t, 20.0, p.Unrealized(90), 1e-9)

	q := New()
	q.Restore(p.Snapshot())
	assert.Equal(t, p.Snapshot(), q.Snapshot())
	assert.Contains(t, q.String(), "Size: -2.0000")
}
