package ccd

import (
	"errors"
	"fmt"
)

// DoShad applies the shutter-shading correction. The reference image
// holds the extra effective exposure per pixel; dividing the science data
// by (1 + R/eff) with eff the per-image effective exposure time removes
// the shutter travel gradient.
func DoShad(info *ExposureInfo, x *ImageTriplet, xhdr Header, shad *RefImage, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepShad) != Perform {
		return nil
	}
	if shad == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error SHADFILE missing"))
	}
	if DummyPedigree(shad.Pedigree) {
		return sw.Set(StepShad, Dummy)
	}

	if info.ExpTime <= 0 || info.NCombine < 1 {
		return errors.Join(ErrInvalidExptime,
			fmt.Errorf("Error cannot apply SHADCORR with EXPTIME %g, NCOMBINE %d", info.ExpTime, info.NCombine))
	}
	effExptime := info.ExpTime / float64(info.NCombine)

	ref, err := shad.ChipData(chip)
	if err != nil {
		return err
	}

	sameSize, rx, ry, x0, y0, err := FindLine(x, xhdr, ref, shad.Header)
	if err != nil {
		return err
	}
	if rx != 1 || ry != 1 {
		return errors.Join(ErrSizeMismatch,
			errors.New("Error SHAD image and input are not binned to the same pixel size"))
	}
	if !sameSize && (x0+x.Nx > ref.Nx || y0+x.Ny > ref.Ny) {
		return errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error SHAD image does not cover input at (%d,%d)", x0, y0))
	}

	for j := 0; j < x.Ny; j++ {
		lj := refLineFor(j, y0, sameSize)
		if lj >= ref.Ny {
			break
		}
		row := j * x.Nx
		src := lj * ref.Nx
		for i := 0; i < x.Nx; i++ {
			denom := float32(1.0 + float64(ref.Sci[src+x0+i])/effExptime)
			if denom == 0 {
				x.DQ[row+i] |= CalibDefect
				continue
			}
			x.Sci[row+i] /= denom
			x.Err[row+i] /= denom
		}
	}

	trl.Message("SHADCORR complete")
	return nil
}
