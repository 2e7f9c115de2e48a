// Copyright (c) 2024 OBI-Scalp-Bot
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.


package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name     string
		equity   []float64
		expected float64
	}{
		{name: "monotonic rise", equity: []float64{100, 101, 102}, expected: 0},
		{name: "single dip", equity: []float64{100, 90, 95}, expected: 0.10},
		{name: "deepest of two", equity: []float64{100, 95, 120, 90, 130}, expected: 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, MaxDrawdown(tt.equity), 1e-12)
		})
	}

	assert.True(t, math.IsNaN(MaxDrawdown([]float64{100})))
	assert.True(t, math.IsNaN(MaxDrawdown([]float64{0, 0, 0})))
}

func TestReturnVolatility(t *testing.T) {
	assert.True(t, math.IsNaN(ReturnVolatility([]float64{100, 101})))
	assert.InDelta(t, 0.0, ReturnVolatility([]float64{100, 110, 121}), 1e-12)

	v := ReturnVolatility([]float64{100, 110, 99, 108.9})
	assert.Greater(t, v, 0.0)
}

func TestIsUsable(t *testing.T) {
	assert.True(t, IsUsable(0.02))
	assert.False(t, IsUsable(0))
	assert.False(t, IsUsable(-0.1))
	assert.False(t, IsUsable(math.NaN()))
	assert.False(t, IsUsable(math.Inf(1)))
}

func TestSumWeights(t *testing.T) {
	assert.Equal(t, 0.0, SumWeights(nil))
	assert.InDelta(t, 1.0, SumWeights([]float64{0.5, 0.25, 0.25}), 1e-12)
}
