package ccd

import (
	"math"
	"testing"
)

func TestMedianFloat(t *testing.T) {
	med, err := MedianFloat([]float64{5, 1, 3})
	if err != nil {
		t.Fatal(err)
	}
	if med != 3 {
		t.Errorf("median = %g, want 3", med)
	}

	if _, err := MedianFloat(nil); err == nil {
		t.Error("empty input did not fail")
	}
}

func TestResistantMeanRejectsOutliers(t *testing.T) {
	vals := make([]float64, 0, 101)
	for i := 0; i < 100; i++ {
		vals = append(vals, 10+float64(i%5)*0.01)
	}
	vals = append(vals, 100000)

	mean, _, _, max, err := ResistantMean(vals, 7.5)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mean-10.02) > 0.05 {
		t.Errorf("mean = %g; outlier not rejected", mean)
	}
	if max > 11 {
		t.Errorf("max = %g includes the outlier", max)
	}
}

func TestResistantMeanEmpty(t *testing.T) {
	if _, _, _, _, err := ResistantMean(nil, 3); err == nil {
		t.Error("empty input did not fail")
	}
}

func TestCleanFitTwoPassRejection(t *testing.T) {
	vals := make([]float64, 20)
	mask := make([]bool, 20)
	for i := range vals {
		vals[i] = 100
		mask[i] = true
	}
	vals[4] = 5000 // clipped by the sigma pass
	vals[9] = 109  // survives sigma, clipped by the readnoise pass

	nrej := cleanFit(vals, mask, 2.0)

	if nrej != 2 {
		t.Errorf("nrej = %d, want 2", nrej)
	}
	if mask[4] || mask[9] {
		t.Error("outliers still masked in")
	}
	if !mask[0] {
		t.Error("good value rejected")
	}
}

func TestLineFitRecoversSlope(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4, 5}
	ys := []float64{7, 9, 11, 13, 15, 17}

	fit, err := newLineFit(xs, ys)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(fit.slope-2.0) > 1e-9 {
		t.Errorf("slope = %g, want 2", fit.slope)
	}
	if math.Abs(fit.Eval(0)-7.0) > 1e-9 {
		t.Errorf("Eval(0) = %g, want 7", fit.Eval(0))
	}
	// slope-only evaluation relative to an arbitrary zero point
	if math.Abs(fit.EvalSlopeOnly(4, 2)-4.0) > 1e-9 {
		t.Errorf("EvalSlopeOnly = %g, want 4", fit.EvalSlopeOnly(4, 2))
	}
}

func TestLineFitSingular(t *testing.T) {
	if _, err := newLineFit(nil, nil); err == nil {
		t.Error("empty fit did not fail")
	}
}
