package ccd

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// MedianFloat returns the median of vals. The slice is sorted in place,
// matching the in-place behaviour the overscan fit relies on for its
// scratch buffers.
func MedianFloat(vals []float64) (float64, error) {
	if len(vals) == 0 {
		return 0, ErrNoGoodData
	}
	sort.Float64s(vals)
	return stat.Quantile(0.5, stat.Empirical, vals, nil), nil
}

// ResistantMean computes the mean of a sample after iterative outlier
// rejection. Each pass clips values more than sigrej standard deviations
// from the current median and recomputes; iteration stops when a pass
// rejects nothing more. The returned sigma is the standard deviation of
// the surviving values, and min/max bound the survivors.
func ResistantMean(vals []float64, sigrej float64) (mean, sigma, min, max float64, err error) {
	if len(vals) == 0 {
		return 0, 0, 0, 0, ErrNoGoodData
	}

	work := make([]float64, len(vals))
	copy(work, vals)
	sort.Float64s(work)

	for iter := 0; iter < 20; iter++ {
		med := stat.Quantile(0.5, stat.Empirical, work, nil)
		sdev := stat.StdDev(work, nil)
		if sdev == 0 || math.IsNaN(sdev) {
			break
		}
		lo := med - sigrej*sdev
		hi := med + sigrej*sdev

		kept := work[:0]
		for _, v := range work {
			if v >= lo && v <= hi {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(work) {
			break
		}
		if len(kept) == 0 {
			break
		}
		work = kept
	}

	mean = stat.Mean(work, nil)
	sigma = stat.StdDev(work, nil)
	if math.IsNaN(sigma) {
		sigma = 0
	}
	min = work[0]
	max = work[len(work)-1]
	return mean, sigma, min, max, nil
}

// cleanFit applies the two-pass outlier rejection used ahead of both the
// serial bias fit and the parallel drift fit. The first pass clips 3.5
// sigma above the mean with sigma capped at the Poisson scale sqrt(mean);
// the second clips 2 readnoise above the recomputed mean. Rejected entries
// have their mask zeroed. Returns the number rejected.
func cleanFit(vals []float64, mask []bool, rn float64) int {
	var sum float64
	var n int
	for j, ok := range mask {
		if ok {
			sum += vals[j]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)

	var svar float64
	for j, ok := range mask {
		if ok {
			s := vals[j] - mean
			svar += s * s
		}
	}
	sdev := math.Sqrt(svar / float64(n))

	// cap at the Poisson scale so cosmic rays or bleeding from bright
	// sources into the overscan cannot inflate the clip level
	if sdev > math.Sqrt(mean) {
		sdev = math.Sqrt(mean)
	}

	nrej := 0
	clip := 3.5
	for j, ok := range mask {
		if ok && vals[j] > mean+clip*sdev {
			mask[j] = false
			nrej++
		}
	}

	sum = 0
	n = 0
	for j, ok := range mask {
		if ok {
			sum += vals[j]
			n++
		}
	}
	if n == 0 {
		return nrej
	}
	mean = sum / float64(n)

	clip = 2.0
	for j, ok := range mask {
		if ok && vals[j] > mean+clip*rn {
			mask[j] = false
			nrej++
		}
	}

	return nrej
}

// lineFit is an unweighted least-squares straight line with the
// independent variable shifted to its midpoint to reduce roundoff.
type lineFit struct {
	slope float64
	icept float64 // value at the midpoint
	mid   float64
}

// Eval evaluates the fit at x.
func (f lineFit) Eval(x float64) float64 {
	return f.icept + f.slope*(x-f.mid)
}

// EvalSlopeOnly evaluates the slope term alone relative to the given zero
// point, ignoring the intercept. The drift fit uses this because the bias
// baseline belongs to the serial fit.
func (f lineFit) EvalSlopeOnly(x, zero float64) float64 {
	return f.slope * (x - zero)
}

func newLineFit(xs, ys []float64) (lineFit, error) {
	if len(xs) == 0 || len(xs) != len(ys) {
		return lineFit{}, ErrNoGoodData
	}
	mid := stat.Mean(xs, nil)
	shifted := make([]float64, len(xs))
	for i, x := range xs {
		shifted[i] = x - mid
	}
	alpha, beta := stat.LinearRegression(shifted, ys, nil, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		return lineFit{}, errors.Join(ErrNoGoodData, errors.New("Error singular fit"))
	}
	return lineFit{slope: beta, icept: alpha, mid: mid}, nil
}
