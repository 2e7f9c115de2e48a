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

	"gonum.org/v1/gonum/stat"
)

// LogReturns returns ln(p[i]/p[i-1]) for consecutive prices. Pairs with a
// non-positive price are skipped.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	return returns
}

// CalculateRealizedVolatility calculates the realized volatility of a series of prices.
// It is defined as the standard deviation of the log returns.
func CalculateRealizedVolatility(prices []float64) float64 {
	returns := LogReturns(prices)
	if len(returns) < 2 {
		return 0.0
	}
	return stat.StdDev(returns, nil)
}

// RollingRealizedVolatility computes the realized volatility of every
// window-sized slice of prices, oldest first.
func RollingRealizedVolatility(prices []float64, window int) []float64 {
	if window < 3 || len(prices) < window {
		return nil
	}
	vols := make([]float64, 0, len(prices)-window+1)
	for end := window; end <= len(prices); end++ {
		vols = append(vols, CalculateRealizedVolatility(prices[end-window:end]))
	}
	return vols
}

// Percentile returns the p-quantile (0 < p < 1) of values using the empirical
// CDF. NaN is returned for empty input.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sortFloats(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
