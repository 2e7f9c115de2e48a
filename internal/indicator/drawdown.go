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
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MaxDrawdown returns the largest peak-to-trough decline of an equity series
// as a fraction of the peak. NaN is returned when fewer than two points are
// available or the series never has a positive peak.
func MaxDrawdown(equity []float64) float64 {
	if len(equity) < 2 {
		return math.NaN()
	}
	peak := equity[0]
	maxDD := 0.0
	seenPositive := peak > 0
	for _, v := range equity[1:] {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		seenPositive = true
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	if !seenPositive {
		return math.NaN()
	}
	return maxDD
}

// ReturnVolatility returns the sample standard deviation of simple returns of
// an equity series. NaN when fewer than two returns exist.
func ReturnVolatility(equity []float64) float64 {
	if len(equity) < 3 {
		return math.NaN()
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return math.NaN()
	}
	return stat.StdDev(returns, nil)
}

// IsUsable reports whether a risk metric can be inverted.
func IsUsable(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SumWeights is a small wrapper so callers do not import gonum directly.
func SumWeights(ws []float64) float64 {
	if len(ws) == 0 {
		return 0
	}
	return floats.Sum(ws)
}

func sortFloats(xs []float64) {
	sort.Float64s(xs)
}
