package ccd

import (
	"errors"
	"fmt"
)

// findBlev determines the bias level for one image line as the median of
// the good overscan pixels on that line. Both halves of biassect are
// consulted; a second section with zeroed bounds is simply unused.
func findBlev(x *ImageTriplet, j int, biassect [4]int, sdqflags uint16) (float64, int, error) {
	nbias := (biassect[1] - biassect[0]) + (biassect[3] - biassect[2]) + 2
	over := make([]float64, 0, nbias)

	for i := biassect[0]; i <= biassect[1]; i++ {
		if dq := x.DQPix(i, j); dq == GoodPixel || dq&sdqflags == 0 {
			over = append(over, float64(x.Pix(i, j)))
		}
	}
	if biassect[2] != 0 {
		for i := biassect[2]; i <= biassect[3]; i++ {
			if dq := x.DQPix(i, j); dq == GoodPixel || dq&sdqflags == 0 {
				over = append(over, float64(x.Pix(i, j)))
			}
		}
	}

	if len(over) < 1 {
		return 0, 0, ErrNoGoodData
	}

	med, err := MedianFloat(over)
	return med, len(over), err
}

// vMedianY takes the median of the good science values in column i over
// rows vy[0]..vy[1].
func vMedianY(x *ImageTriplet, i int, vy [2]int, sdqflags uint16) (float64, error) {
	vals := make([]float64, 0, vy[1]-vy[0]+1)
	for j := vy[0]; j < vy[1]; j++ {
		if dq := x.DQPix(i, j); dq == GoodPixel || dq&sdqflags == 0 {
			vals = append(vals, float64(x.Pix(i, j)))
		}
	}
	if len(vals) < 1 {
		return 0, ErrNoGoodData
	}
	return MedianFloat(vals)
}

// fitToOverscan fits a straight line to the per-row overscan medians
// after outlier rejection. The returned fit evaluates bias level as a
// function of input (untrimmed) image line number; when the fit is
// singular the tabulated default is substituted as a constant.
func fitToOverscan(x *ImageTriplet, ny, trimy1 int, biassect [4]int,
	ccdbias float64, sdqflags uint16, rn float64, trl Trailer) lineFit {

	biasvals := make([]float64, ny)
	biasmask := make([]bool, ny)
	tooFew := 0

	for j := 0; j < ny; j++ {
		level, _, err := findBlev(x, j+trimy1, biassect, sdqflags)
		if err != nil {
			tooFew++
			continue
		}
		biasvals[j] = level
		biasmask[j] = true
	}

	nrej := cleanFit(biasvals, biasmask, rn)
	trl.Message(fmt.Sprintf("(blevcorr) Rejected %d bias values from serial fit.", nrej))
	if tooFew > 0 {
		trl.Warn(fmt.Sprintf("(blevcorr) %d image lines have too few usable overscan pixels.", tooFew))
	}

	xs := make([]float64, 0, ny)
	ys := make([]float64, 0, ny)
	for j := 0; j < ny; j++ {
		if biasmask[j] {
			xs = append(xs, float64(j+trimy1))
			ys = append(ys, biasvals[j])
		}
	}

	fit, err := newLineFit(xs, ys)
	if err != nil {
		trl.Warn("No bias level data, or singular fit; bias from CCDTAB will be subtracted.")
		return lineFit{icept: ccdbias}
	}
	return fit
}

// blevDrift fits the bias drift along lines from the parallel virtual
// overscan: a per-column median, the same two-pass rejection as the
// serial fit, and a slope-only line whose zero point sits at the middle
// of the serial overscan section.
func blevDrift(x *ImageTriplet, vx, vy [2]int, biassect [4]int,
	sdqflags uint16, rn float64, trl Trailer) (lineFit, float64, bool) {

	zerocol := float64(biassect[0]+biassect[1]) / 2.0

	if vx[1] <= vx[0] || vy[1] <= vy[0] {
		trl.Message("(blevcorr) No virtual overscan region; no correction for slope will be applied.")
		return lineFit{}, zerocol, false
	}

	biasvals := make([]float64, vx[1]+1)
	biasmask := make([]bool, vx[1]+1)
	for i := vx[0]; i <= vx[1]; i++ {
		value, err := vMedianY(x, i, vy, sdqflags)
		if err != nil {
			continue
		}
		biasvals[i] = value
		biasmask[i] = true
	}

	nrej := cleanFit(biasvals[vx[0]:vx[1]+1], biasmask[vx[0]:vx[1]+1], rn)
	trl.Message(fmt.Sprintf("(blevcorr) Rejected %d bias values from parallel fit.", nrej))

	xs := make([]float64, 0, vx[1]-vx[0]+1)
	ys := make([]float64, 0, vx[1]-vx[0]+1)
	for i := vx[0]; i <= vx[1]; i++ {
		if biasmask[i] {
			xs = append(xs, float64(i))
			ys = append(ys, biasvals[i])
		}
	}

	fit, err := newLineFit(xs, ys)
	if err != nil {
		trl.Warn("(blevcorr) Singular fit to virtual overscan; no correction for slope will be applied.")
		return lineFit{}, zerocol, false
	}
	return fit, zerocol, true
}

// DoBlev subtracts the overscan bias level from the science region of
// each active amp. The serial fit supplies the level per row; when a
// parallel virtual overscan region exists its slope-only drift is removed
// per column as well. With no usable overscan at all, the tabulated
// per-amp default is subtracted instead. Returns the mean subtracted
// level and whether drift was corrected.
func DoBlev(info *ExposureInfo, x *ImageTriplet, chip int, overscan bool, trl Trailer) (float64, bool, error) {

	biasnum := SelectBias(info, chip)
	ccdbias := info.CCDBias[biasnum]
	driftcorr := false

	if !overscan {
		// no overscan region at all; subtract the tabulated level
		trl.Warn("Overscan region is too small to do BLEVCORR;",
			fmt.Sprintf("bias from CCDTAB of %g will be subtracted.", ccdbias))
		for n := range x.Sci {
			x.Sci[n] -= float32(ccdbias)
		}
		info.Blev[biasnum] = ccdbias
		return ccdbias, false, nil
	}

	ccdamp := info.CCDAmp
	if info.Detector == DetectorCCD {
		ccdamp = ChipAmps(info.CCDAmp, chip)
	}
	numamps := len(ccdamp)

	regions, err := AmpRegions(info, x.Nx, x.Ny, chip)
	if err != nil {
		return 0, false, err
	}

	dodrift := true
	if info.Vy[0] <= 0 && info.Vy[1] <= 0 {
		dodrift = false
		trl.Message("(blevcorr) No virtual overscan region specified.")
		trl.Message("(blevcorr) Bias drift correction will not be applied.")
	}

	var sumblev float64

	for _, r := range regions {
		biassect, ok := BiasSections(info, r, numamps)
		if !ok {
			return 0, false, errors.Join(ErrNoGoodData,
				fmt.Errorf("Error no overscan section available for amp %c", r.Amp))
		}

		// readnoise for this amp in DN to match the science units
		rn := info.ReadNoise[r.Index]
		if info.AtoDGain[r.Index] != 0 {
			rn /= info.AtoDGain[r.Index]
		}

		var drift lineFit
		var zerocol float64
		ampdrift := false
		if dodrift {
			vx, vy := VirtualSection(info, r)
			drift, zerocol, ampdrift = blevDrift(x, vx, vy, biassect, info.SDQFlags, rn, trl)
			driftcorr = driftcorr || ampdrift
		}

		fit := fitToOverscan(x, r.EndY-r.BegY, r.BegY, biassect, ccdbias, info.SDQFlags, rn, trl)

		// average drift over the amp's columns; a constant per line
		averagedrift := 0.0
		if ampdrift {
			for i := r.BegX; i < r.EndX; i++ {
				averagedrift += drift.EvalSlopeOnly(float64(i), zerocol)
			}
			averagedrift /= float64(r.EndX - r.BegX)
		}

		sumbias := 0.0
		for j := r.BegY; j < r.EndY; j++ {
			level := fit.Eval(float64(j))
			sumbias += level + averagedrift
			for i := r.BegX; i < r.EndX; i++ {
				v := x.Pix(i, j) - float32(level)
				if ampdrift {
					v -= float32(drift.EvalSlopeOnly(float64(i), zerocol))
				}
				x.SetPix(i, j, v)
			}
		}

		sizey := float64(r.EndY - r.BegY)
		if sizey > 0 {
			info.Blev[r.Index] = sumbias / sizey
			sumblev += sumbias / sizey
		}
	}

	meanblev := sumblev / float64(len(regions))

	return meanblev, driftcorr, nil
}
