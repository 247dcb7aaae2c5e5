package ccd

import (
	"errors"
	"math"
)

// ImageTriplet holds the three aligned planes of a detector image: the
// science values, their one standard deviation uncertainties, and the
// 16-bit data quality bitmap. The planes always share a shape and are
// stored row-major, row j pixel i at index j*Nx+i.
type ImageTriplet struct {
	Nx  int
	Ny  int
	Sci []float32
	Err []float32
	DQ  []uint16
}

// NewImageTriplet allocates a zeroed triplet of the given shape.
func NewImageTriplet(nx, ny int) *ImageTriplet {
	return &ImageTriplet{
		Nx:  nx,
		Ny:  ny,
		Sci: make([]float32, nx*ny),
		Err: make([]float32, nx*ny),
		DQ:  make([]uint16, nx*ny),
	}
}

// Copy returns a deep copy of the triplet.
func (t *ImageTriplet) Copy() *ImageTriplet {
	out := NewImageTriplet(t.Nx, t.Ny)
	copy(out.Sci, t.Sci)
	copy(out.Err, t.Err)
	copy(out.DQ, t.DQ)
	return out
}

// Pix returns the science value at (i, j).
func (t *ImageTriplet) Pix(i, j int) float32 {
	return t.Sci[j*t.Nx+i]
}

// SetPix stores the science value at (i, j).
func (t *ImageTriplet) SetPix(i, j int, v float32) {
	t.Sci[j*t.Nx+i] = v
}

// EPix returns the error value at (i, j).
func (t *ImageTriplet) EPix(i, j int) float32 {
	return t.Err[j*t.Nx+i]
}

// SetEPix stores the error value at (i, j).
func (t *ImageTriplet) SetEPix(i, j int, v float32) {
	t.Err[j*t.Nx+i] = v
}

// DQPix returns the data quality value at (i, j).
func (t *ImageTriplet) DQPix(i, j int) uint16 {
	return t.DQ[j*t.Nx+i]
}

// OrDQPix ORs the given flags into the data quality value at (i, j).
func (t *ImageTriplet) OrDQPix(i, j int, flags uint16) {
	t.DQ[j*t.Nx+i] |= flags
}

// SetDQPix stores the data quality value at (i, j).
func (t *ImageTriplet) SetDQPix(i, j int, v uint16) {
	t.DQ[j*t.Nx+i] = v
}

func (t *ImageTriplet) sameShape(other *ImageTriplet) bool {
	return t.Nx == other.Nx && t.Ny == other.Ny
}

// Border is the reference-pixel margin surrounding the photometric area
// of a detector. The four Trimx values are the leading serial, trailing
// serial, and the two serial-virtual widths; Trimy holds the bottom and
// top parallel margins. Arithmetic variants that must not disturb the
// reference pixels operate inside the border only.
type Border struct {
	Trimx [4]int
	Trimy [2]int
}

func (b Border) limits(t *ImageTriplet) (ibeg, iend, jbeg, jend int) {
	ibeg = b.Trimx[0]
	iend = t.Nx - b.Trimx[1]
	jbeg = b.Trimy[0]
	jend = t.Ny - b.Trimy[1]
	return ibeg, iend, jbeg, jend
}

// Add combines b into a pixel-wise: sci added, err in quadrature, dq ORed.
func Add(a, b *ImageTriplet) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error adding triplets"))
	}
	for n := range a.Sci {
		a.Sci[n] += b.Sci[n]
		a.Err[n] = quadrature(a.Err[n], b.Err[n])
		a.DQ[n] |= b.DQ[n]
	}
	return nil
}

// Sub subtracts b from a pixel-wise: sci subtracted, err in quadrature,
// dq ORed.
func Sub(a, b *ImageTriplet) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error subtracting triplets"))
	}
	for n := range a.Sci {
		a.Sci[n] -= b.Sci[n]
		a.Err[n] = quadrature(a.Err[n], b.Err[n])
		a.DQ[n] |= b.DQ[n]
	}
	return nil
}

// Mul multiplies a by b pixel-wise with first-order error propagation.
func Mul(a, b *ImageTriplet) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error multiplying triplets"))
	}
	for n := range a.Sci {
		av := a.Sci[n]
		bv := b.Sci[n]
		a.Err[n] = quadrature(av*b.Err[n], bv*a.Err[n])
		a.Sci[n] = av * bv
		a.DQ[n] |= b.DQ[n]
	}
	return nil
}

// Div divides a by b pixel-wise with first-order error propagation.
// Pixels where b is zero are left unchanged in sci and flagged as a
// calibration defect rather than propagating an infinity.
func Div(a, b *ImageTriplet) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error dividing triplets"))
	}
	for n := range a.Sci {
		bv := b.Sci[n]
		if bv == 0.0 {
			a.DQ[n] |= CalibDefect
			continue
		}
		av := a.Sci[n]
		a.Err[n] = quadrature(a.Err[n]/bv, av*b.Err[n]/(bv*bv))
		a.Sci[n] = av / bv
		a.DQ[n] |= b.DQ[n]
	}
	return nil
}

// SubBordered is Sub restricted to pixels inside the reference-pixel
// border; the border pixels of a are untouched. The shapes must agree.
func SubBordered(a, b *ImageTriplet, border Border) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error subtracting triplets"))
	}
	ibeg, iend, jbeg, jend := border.limits(a)
	for j := jbeg; j < jend; j++ {
		for i := ibeg; i < iend; i++ {
			n := j*a.Nx + i
			a.Sci[n] -= b.Sci[n]
			a.Err[n] = quadrature(a.Err[n], b.Err[n])
			a.DQ[n] |= b.DQ[n]
		}
	}
	return nil
}

// DivBordered is Div restricted to pixels inside the reference-pixel
// border.
func DivBordered(a, b *ImageTriplet, border Border) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error dividing triplets"))
	}
	ibeg, iend, jbeg, jend := border.limits(a)
	for j := jbeg; j < jend; j++ {
		for i := ibeg; i < iend; i++ {
			n := j*a.Nx + i
			bv := b.Sci[n]
			if bv == 0.0 {
				a.DQ[n] |= CalibDefect
				continue
			}
			av := a.Sci[n]
			a.Err[n] = quadrature(a.Err[n]/bv, av*b.Err[n]/(bv*bv))
			a.Sci[n] = av / bv
			a.DQ[n] |= b.DQ[n]
		}
	}
	return nil
}

// ScaleByConstant multiplies sci by k and err by |k|; dq is unchanged.
func ScaleByConstant(a *ImageTriplet, k float32) {
	ka := k
	if ka < 0 {
		ka = -ka
	}
	for n := range a.Sci {
		a.Sci[n] *= k
		a.Err[n] *= ka
	}
}

// ScaleByConstantBordered multiplies sci by k and err by |k| inside the
// reference-pixel border only.
func ScaleByConstantBordered(a *ImageTriplet, k float32, border Border) {
	ka := k
	if ka < 0 {
		ka = -ka
	}
	ibeg, iend, jbeg, jend := border.limits(a)
	for j := jbeg; j < jend; j++ {
		for i := ibeg; i < iend; i++ {
			n := j*a.Nx + i
			a.Sci[n] *= k
			a.Err[n] *= ka
		}
	}
}

// OrDQ ORs the data quality plane of b into a; sci and err are unchanged.
func OrDQ(a, b *ImageTriplet) error {
	if !a.sameShape(b) {
		return errors.Join(ErrSizeMismatch, errors.New("Error combining data quality planes"))
	}
	for n := range a.DQ {
		a.DQ[n] |= b.DQ[n]
	}
	return nil
}

func quadrature(a, b float32) float32 {
	return float32(math.Sqrt(float64(a)*float64(a) + float64(b)*float64(b)))
}
