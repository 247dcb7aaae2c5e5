package ccd

import (
	"errors"
	"fmt"
)

// Cube is a MultiAccum observation: the non-destructive reads in
// acquisition order with index 0 the final read and index NSamp-1 the
// zeroth read. Each read carries its own header and a per-pixel
// integration time plane used by the units conversion.
type Cube struct {
	Reads   []*ImageTriplet
	Headers []Header
	Time    []*ImageTriplet // per-read integration time, sci plane only
}

// NSamp is the number of reads in the cube.
func (c *Cube) NSamp() int {
	return len(c.Reads)
}

// ZerothRead returns the initial reference read.
func (c *Cube) ZerothRead() *ImageTriplet {
	return c.Reads[len(c.Reads)-1]
}

// FirstRead returns the first science read after the zeroth.
func (c *Cube) FirstRead() *ImageTriplet {
	return c.Reads[len(c.Reads)-2]
}

// NlinData bundles the non-linearity reference file: the polynomial
// coefficient planes, the per-pixel saturation node, the super-zero-read
// signal and error planes, and a DQ plane that propagates into the
// science data.
type NlinData struct {
	Name     string
	Pedigree string
	Header   Header
	Ncoeff   int
	Coeff    []*ImageTriplet
	Nodes    *ImageTriplet
	ZSci     *ImageTriplet
	ZErr     *ImageTriplet
	DQual    *ImageTriplet
}

const defaultZSigThresh = 4.0

// NewNlinData assembles the non-linearity bundle from its reference
// image container: the coefficient planes first, then the saturation
// node, the super-zero-read signal and error, and the DQ plane last.
func NewNlinData(ref *RefImage) (*NlinData, error) {
	if ref == nil {
		return nil, errors.Join(ErrCalFileMissing, errors.New("Error NLINFILE missing"))
	}
	ncoeff, err := GetKey(ref.Header, "NCOEFF", len(ref.Chips)-4, false)
	if err != nil {
		return nil, err
	}
	if ncoeff < 1 || ncoeff+4 != len(ref.Chips) {
		return nil, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error NLINFILE %s carries %d planes for %d coefficients", ref.Name, len(ref.Chips), ncoeff))
	}
	return &NlinData{
		Name:     ref.Name,
		Pedigree: ref.Pedigree,
		Header:   ref.Header,
		Ncoeff:   ncoeff,
		Coeff:    ref.Chips[:ncoeff],
		Nodes:    ref.Chips[ncoeff],
		ZSci:     ref.Chips[ncoeff+1],
		ZErr:     ref.Chips[ncoeff+2],
		DQual:    ref.Chips[ncoeff+3],
	}, nil
}

// DoZsigIR estimates the signal already present in the zeroth read. The
// zeroth read minus the super-zero-read reference is the zero-read
// signal; pixels above threshold times the combined noise are flagged as
// carrying real signal, the rest are zeroed out. Saturation in the zeroth
// and first reads is checked against the per-pixel node and the estimated
// signal is added back into the zeroth read so the non-linearity
// correction sees the true charge.
func DoZsigIR(info *ExposureInfo, cube *Cube, nlin *NlinData, sw *CalSwitches, trl Trailer) (*ImageTriplet, error) {

	if sw.Get(StepZsig) != Perform {
		return nil, nil
	}
	if nlin == nil {
		return nil, errors.Join(ErrCalFileMissing, errors.New("Error NLINFILE missing"))
	}
	if DummyPedigree(nlin.Pedigree) {
		return nil, sw.Set(StepZsig, Dummy)
	}

	thresh := info.ZSigThresh
	if thresh == 0 {
		thresh = defaultZSigThresh
	}

	zeroth := cube.ZerothRead()
	first := cube.FirstRead()
	zsig := zeroth.Copy()

	_, sciCorner, err := GetCorner(cube.Headers[cube.NSamp()-1])
	if err != nil {
		return nil, err
	}
	_, refCorner, err := GetCorner(nlin.Header)
	if err != nil {
		return nil, err
	}

	ibeg := info.Trimx[0]
	iend := zsig.Nx - info.Trimx[1]
	jbeg := info.Trimy[0]
	jend := zsig.Ny - info.Trimy[1]
	liBeg := (sciCorner[0] - refCorner[0]) + ibeg
	ljBeg := (sciCorner[1] - refCorner[1]) + jbeg

	// subtract the super zero read from the science zero read
	for j, lj := jbeg, ljBeg; j < jend; j, lj = j+1, lj+1 {
		for i, li := ibeg, liBeg; i < iend; i, li = i+1, li+1 {
			zsig.SetPix(i, j, zsig.Pix(i, j)-nlin.ZSci.Pix(li, lj))
		}
	}

	nsat0, nsat1 := 0, 0
	for j, lj := jbeg, ljBeg; j < jend; j, lj = j+1, lj+1 {
		for i, li := ibeg, liBeg; i < iend; i, li = i+1, li+1 {

			// total noise: science zero read plus super-zero read
			noise := quadrature(zsig.EPix(i, j), nlin.ZErr.EPix(li, lj))

			if float64(zsig.Pix(i, j)) >= thresh*float64(noise) {
				zsig.OrDQPix(i, j, ZeroSig)
				zeroth.OrDQPix(i, j, ZeroSig)
			} else {
				zsig.SetPix(i, j, 0.0)
			}

			node := nlin.Nodes.Pix(li, lj)

			if zsig.Pix(i, j) > node {
				// saturated already in the zeroth read
				zsig.OrDQPix(i, j, SatPixel|ZeroSig)
				zeroth.OrDQPix(i, j, SatPixel|ZeroSig)
				first.OrDQPix(i, j, SatPixel)
				nsat0++
				nsat1++
			} else if first.Pix(i, j)-nlin.ZSci.Pix(li, lj) > node {
				// saturated in the first read
				zsig.OrDQPix(i, j, SatPixel|ZeroSig)
				first.OrDQPix(i, j, SatPixel)
				nsat1++
			}
		}
	}

	trl.Message(fmt.Sprintf("ZSIGCORR detected %d saturated pixels in 0th read", nsat0))
	trl.Message(fmt.Sprintf("ZSIGCORR detected %d saturated pixels in 1st read", nsat1))

	// add the zero-read signal back into the zeroth read for the
	// non-linearity correction to consume
	for j := jbeg; j < jend; j++ {
		for i := ibeg; i < iend; i++ {
			zeroth.SetPix(i, j, zeroth.Pix(i, j)+zsig.Pix(i, j))
		}
	}

	return zsig, sw.Set(StepZsig, Complete)
}

// DoNlinIR applies the per-pixel non-linearity polynomial to every read,
// walking the cube from the zeroth read forward; once every read has been
// corrected, saturation is carried between adjacent reads by
// PropagateCubeSaturation.
func DoNlinIR(info *ExposureInfo, cube *Cube, nlin *NlinData, zsig *ImageTriplet, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepNlin) != Perform {
		return nil
	}
	if nlin == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error NLINFILE missing"))
	}
	if DummyPedigree(nlin.Pedigree) {
		return sw.Set(StepNlin, Dummy)
	}

	zsigOn := sw.Get(StepZsig) == Complete && zsig != nil

	for group := cube.NSamp(); group >= 1; group-- {
		if err := nlincorr(info, cube, group, nlin, zsig, zsigOn, trl); err != nil {
			return err
		}
	}

	// carry saturation between adjacent reads once every read has been
	// threshold-checked
	PropagateCubeSaturation(cube)

	return sw.Set(StepNlin, Complete)
}

func nlincorr(info *ExposureInfo, cube *Cube, group int, nlin *NlinData, zsig *ImageTriplet, zsigOn bool, trl Trailer) error {

	input := cube.Reads[group-1]
	isZeroth := group == cube.NSamp()

	_, sciCorner, err := GetCorner(cube.Headers[group-1])
	if err != nil {
		return err
	}
	_, refCorner, err := GetCorner(nlin.Header)
	if err != nil {
		return err
	}

	ibeg := info.Trimx[0]
	iend := input.Nx - info.Trimx[1]
	jbeg := info.Trimy[0]
	jend := input.Ny - info.Trimy[1]
	liBeg := (sciCorner[0] - refCorner[0]) + ibeg
	ljBeg := (sciCorner[1] - refCorner[1]) + jbeg

	nsatpix := 0
	for j, lj := jbeg, ljBeg; j < jend; j, lj = j+1, lj+1 {
		for i, li := ibeg, liBeg; i < iend; i, li = i+1, li+1 {

			sval := input.Pix(i, j)

			// temporarily restore the zero-read signal so the pixel
			// lands in the right correction regime
			if zsigOn && !isZeroth {
				sval += zsig.Pix(i, j)
				if zsig.DQPix(i, j)&ZeroSig != 0 {
					input.OrDQPix(i, j, ZeroSig)
				}
			}

			n1 := nlin.Nodes.Pix(li, lj)

			// propagate the reference DQ
			input.OrDQPix(i, j, nlin.DQual.DQPix(li, lj))

			if input.DQPix(i, j)&SatPixel != 0 {
				nsatpix++
			} else if sval <= n1 {
				corr := 1.0
				power := 1.0
				for k := 0; k < nlin.Ncoeff; k++ {
					corr += float64(nlin.Coeff[k].Pix(li, lj)) * power
					power *= float64(sval)
				}
				out := float32(float64(sval) * corr)
				if zsigOn && !isZeroth {
					out -= zsig.Pix(i, j)
				}
				input.SetPix(i, j, out)
			} else {
				nsatpix++
				input.OrDQPix(i, j, SatPixel)
			}
		}
	}

	trl.Message(fmt.Sprintf("NLINCORR detected %d saturated pixels in imset %d", nsatpix, group))
	return nil
}

// DoBlevIR removes the bias drift of each read by subtracting the
// resistant mean of the reference pixels along the four edge strips. One
// constant per read; recorded as MEANBLEV in the read's header.
func DoBlevIR(info *ExposureInfo, cube *Cube, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepBlev) != Perform {
		return nil
	}

	const sigrej = 3.0

	for group := cube.NSamp(); group >= 1; group-- {
		input := cube.Reads[group-1]

		refpix := collectRefPixels(info, input)
		if len(refpix) == 0 {
			return errors.Join(ErrNoGoodData, errors.New("Error no reference pixels for BLEVCORR"))
		}

		mean, _, _, _, err := ResistantMean(refpix, sigrej)
		if err != nil {
			return err
		}

		PutKey(cube.Headers[group-1], "MEANBLEV", mean)
		for n := range input.Sci {
			input.Sci[n] -= float32(mean)
		}
	}

	return sw.Set(StepBlev, Complete)
}

// collectRefPixels gathers the usable reference pixels from the side
// strips of all four quadrants of an IR read. Every column of the
// tabulated bias sections is used over the rows inside the trim; pixels
// falling outside the image are skipped.
func collectRefPixels(info *ExposureInfo, input *ImageTriplet) []float64 {
	half := input.Ny / 2

	quads := [4]struct {
		i1, i2, j1, j2 int
	}{
		{info.BiasSectA[0], info.BiasSectA[1], half, input.Ny - info.Trimy[1] - 1},
		{info.BiasSectA[0], info.BiasSectA[1], info.Trimy[0], half - 1},
		{info.BiasSectB[0], info.BiasSectB[1], info.Trimy[0], half - 1},
		{info.BiasSectB[0], info.BiasSectB[1], half, input.Ny - info.Trimy[1] - 1},
	}

	refpix := make([]float64, 0, input.Ny*8)
	for _, q := range quads {
		for j := q.j1; j <= q.j2; j++ {
			for i := q.i1; i <= q.i2; i++ {
				if i < 0 || i >= input.Nx || j < 0 || j >= input.Ny {
					continue
				}
				refpix = append(refpix, float64(input.Pix(i, j)))
			}
		}
	}
	return refpix
}

// DoUnitIR converts every read from counts to count rate by dividing sci
// and err by the per-pixel integration time. The zeroth read has no time
// plane worth using; it is divided by the scalar effective zeroth-read
// exposure time instead. Reference pixels keep their counts.
func DoUnitIR(info *ExposureInfo, cube *Cube, flatDone bool, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepUnit) != Perform {
		return nil
	}

	for group := cube.NSamp(); group >= 1; group-- {
		input := cube.Reads[group-1]

		ibeg := info.Trimx[0]
		iend := input.Nx - info.Trimx[1]
		jbeg := info.Trimy[0]
		jend := input.Ny - info.Trimy[1]

		if group == cube.NSamp() {
			if info.SampZero <= 0 {
				trl.Warn("SAMPZERO is not positive; zeroth read left in counts")
			} else {
				k := float32(1.0 / info.SampZero)
				for j := jbeg; j < jend; j++ {
					for i := ibeg; i < iend; i++ {
						input.SetPix(i, j, input.Pix(i, j)*k)
						input.SetEPix(i, j, input.EPix(i, j)*k)
					}
				}
			}
		} else {
			times := cube.Time[group-1]
			for j := jbeg; j < jend; j++ {
				for i := ibeg; i < iend; i++ {
					t := times.Pix(i, j)
					if t != 0 {
						input.SetPix(i, j, input.Pix(i, j)/t)
						input.SetEPix(i, j, input.EPix(i, j)/t)
					} else {
						input.SetPix(i, j, 0.0)
						input.SetEPix(i, j, 0.0)
					}
				}
			}
		}

		bunit := "COUNTS/S"
		if flatDone {
			bunit = "ELECTRONS/S"
		}
		PutKey(cube.Headers[group-1], "BUNIT", bunit)
	}

	return sw.Set(StepUnit, Complete)
}
