package ccd

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func filled(nx, ny int, sci, errv float32, dq uint16) *ImageTriplet {
	t := NewImageTriplet(nx, ny)
	for n := range t.Sci {
		t.Sci[n] = sci
		t.Err[n] = errv
		t.DQ[n] = dq
	}
	return t
}

func TestAddCombinesPlanes(t *testing.T) {
	a := filled(4, 3, 10, 3, 2)
	b := filled(4, 3, 5, 4, 8)

	if err := Add(a, b); err != nil {
		t.Fatal(err)
	}

	if a.Pix(0, 0) != 15 {
		t.Errorf("sci = %g, want 15", a.Pix(0, 0))
	}
	if a.EPix(1, 1) != 5 {
		t.Errorf("err = %g, want 5 (3-4-5 quadrature)", a.EPix(1, 1))
	}
	if a.DQPix(2, 2) != 10 {
		t.Errorf("dq = %d, want 2|8", a.DQPix(2, 2))
	}
}

func TestAddShapeMismatch(t *testing.T) {
	a := NewImageTriplet(4, 4)
	b := NewImageTriplet(4, 5)
	err := Add(a, b)
	if StatusCode(err) != ExitSizeMismatch {
		t.Errorf("status = %d, want %d", StatusCode(err), ExitSizeMismatch)
	}
}

func TestAddThenSubSciAndDQBitExact(t *testing.T) {
	a := NewImageTriplet(5, 5)
	b := NewImageTriplet(5, 5)
	for n := range a.Sci {
		a.Sci[n] = float32(n) * 1.25
		a.DQ[n] = uint16(n % 7)
		b.Sci[n] = float32(n)*0.5 + 3
		b.DQ[n] = uint16(n % 3)
	}
	wantSci := append([]float32(nil), a.Sci...)

	if err := Add(a, b); err != nil {
		t.Fatal(err)
	}
	if err := Sub(a, b); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(wantSci, a.Sci); diff != "" {
		t.Errorf("sci not restored (-want +got):\n%s", diff)
	}
	// dq is idempotent under repeated ORing
	for n := range a.DQ {
		if a.DQ[n] != (uint16(n%7) | uint16(n%3)) {
			t.Errorf("dq[%d] = %d", n, a.DQ[n])
		}
	}
}

func TestDivByZeroFlagsPixel(t *testing.T) {
	a := filled(2, 2, 8, 1, 0)
	b := filled(2, 2, 2, 0, 0)
	b.SetPix(1, 1, 0)

	if err := Div(a, b); err != nil {
		t.Fatal(err)
	}

	if a.Pix(0, 0) != 4 {
		t.Errorf("sci = %g, want 4", a.Pix(0, 0))
	}
	if a.Pix(1, 1) != 8 {
		t.Errorf("divide-by-zero pixel changed: %g", a.Pix(1, 1))
	}
	if a.DQPix(1, 1)&CalibDefect == 0 {
		t.Error("divide-by-zero pixel not flagged")
	}
}

func TestMulErrPropagation(t *testing.T) {
	a := filled(1, 1, 3, 0.5, 0)
	b := filled(1, 1, -2, 0.25, 0)

	if err := Mul(a, b); err != nil {
		t.Fatal(err)
	}

	if a.Pix(0, 0) != -6 {
		t.Errorf("sci = %g, want -6", a.Pix(0, 0))
	}
	want := math.Sqrt(float64(3*0.25)*float64(3*0.25) + float64(2*0.5)*float64(2*0.5))
	if math.Abs(float64(a.EPix(0, 0))-want) > 1e-6 {
		t.Errorf("err = %g, want %g", a.EPix(0, 0), want)
	}
	if a.EPix(0, 0) < 0 {
		t.Error("err went negative")
	}
}

func TestDivIdentityFlatIsExact(t *testing.T) {
	a := NewImageTriplet(8, 8)
	for n := range a.Sci {
		a.Sci[n] = float32(n) * 0.37
		a.Err[n] = float32(n) * 0.011
	}
	want := a.Copy()

	flat := filled(8, 8, 1.0, 0.0, 0)
	if err := Div(a, flat); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want.Sci, a.Sci); diff != "" {
		t.Errorf("sci changed under unit flat:\n%s", diff)
	}
	if diff := cmp.Diff(want.Err, a.Err); diff != "" {
		t.Errorf("err changed under unit flat:\n%s", diff)
	}
	if diff := cmp.Diff(want.DQ, a.DQ); diff != "" {
		t.Errorf("dq changed under unit flat:\n%s", diff)
	}
}

func TestScaleByConstant(t *testing.T) {
	a := filled(2, 2, 4, 2, 5)
	ScaleByConstant(a, -1.5)
	if a.Pix(0, 0) != -6 {
		t.Errorf("sci = %g", a.Pix(0, 0))
	}
	if a.EPix(0, 0) != 3 {
		t.Errorf("err = %g, want positive 3", a.EPix(0, 0))
	}
	if a.DQPix(0, 0) != 5 {
		t.Errorf("dq changed: %d", a.DQPix(0, 0))
	}
}

func TestSubBorderedLeavesReferencePixels(t *testing.T) {
	a := filled(6, 6, 10, 0, 0)
	b := filled(6, 6, 4, 0, 0)
	border := Border{Trimx: [4]int{1, 1, 0, 0}, Trimy: [2]int{1, 1}}

	if err := SubBordered(a, b, border); err != nil {
		t.Fatal(err)
	}

	if a.Pix(0, 0) != 10 {
		t.Errorf("reference pixel touched: %g", a.Pix(0, 0))
	}
	if a.Pix(3, 3) != 6 {
		t.Errorf("interior pixel = %g, want 6", a.Pix(3, 3))
	}
}
