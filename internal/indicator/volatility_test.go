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
)

const float64EqualityThreshold = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= float64EqualityThreshold
}

func TestVolatilityCalculator_Update(t *testing.T) {
	tests := []struct {
		name   string
		lambda float64
		prices []float64
	}{
		{name: "Stable price", lambda: 0.1, prices: []float64{100, 100, 100, 100}},
		{name: "Increasing price", lambda: 0.5, prices: []float64{100, 101, 102, 103}},
		{name: "Fluctuating price", lambda: 0.2, prices: []float64{100, 102, 100, 102}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc := NewVolatilityCalculator(tt.lambda)
			var wantEWMA, wantVar float64
			for i, price := range tt.prices {
				ewma, stdDev := vc.Update(price)
				if i > 0 {
					ret := math.Log(price / tt.prices[i-1])
					wantEWMA = tt.lambda*ret + (1-tt.lambda)*wantEWMA
					wantVar = (1-tt.lambda)*wantVar + tt.lambda*ret*ret
				}
				if !almostEqual(ewma, wantEWMA) {
					t.Errorf("Update %d (price %v): EWMA got %v, want %v", i, price, ewma, wantEWMA)
				}
				if !almostEqual(stdDev, math.Sqrt(wantVar)) {
					t.Errorf("Update %d (price %v): StdDev got %v, want %v", i, price, stdDev, math.Sqrt(wantVar))
				}
				if !almostEqual(vc.GetEWMAReturn(), wantEWMA) {
					t.Errorf("GetEWMAReturn %d: got %v, want %v", i, vc.GetEWMAReturn(), wantEWMA)
				}
			}
		})
	}
}

func TestVolatilityCalculator_SkipsNonPositivePrice(t *testing.T) {
	vc := NewVolatilityCalculator(0.5)
	vc.Update(100)
	vc.Update(101)
	before := vc.GetEWMAReturn()
	vc.Update(0)
	if vc.GetEWMAReturn() != before {
		t.Errorf("zero price should not move the EWMA")
	}
}

func TestEWMAMomentum(t *testing.T) {
	up := []float64{100, 101, 102, 103, 104, 105}
	down := []float64{105, 104, 103, 102, 101, 100}
	flat := []float64{100, 100, 100, 100}

	if m := EWMAMomentum(up, 0.3); m <= 0 {
		t.Errorf("expected positive momentum for rising prices, got %v", m)
	}
	if m := EWMAMomentum(down, 0.3); m >= 0 {
		t.Errorf("expected negative momentum for falling prices, got %v", m)
	}
	if m := EWMAMomentum(flat, 0.3); m != 0 {
		t.Errorf("expected zero momentum for flat prices, got %v", m)
	}
}
