package ccd

import (
	"errors"
	"fmt"
)

// DoFlat divides the science image by the flat field, applied in up to
// three stages: the pixel-to-pixel flat, the delta flat and the low-order
// flat. The pixel-to-pixel flat is itself pre-divided by the mean gain so
// a single pass both flattens and converts the science data from DN to
// electrons. A low-order flat stored coarser than the science image would
// need interpolating, which is a known-unreliable path; it fails instead.
func DoFlat(info *ExposureInfo, x *ImageTriplet, xhdr Header, pflt, dflt, lflt *RefImage, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepFlat) != Perform {
		return nil
	}

	if pflt == nil && dflt == nil && lflt == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error no flat field reference images"))
	}

	alldummy := true
	for _, f := range []*RefImage{pflt, dflt, lflt} {
		if f != nil && !DummyPedigree(f.Pedigree) {
			alldummy = false
		}
	}
	if alldummy {
		return sw.Set(StepFlat, Dummy)
	}

	applied, err := applyFlats(info, x, xhdr, pflt, dflt, lflt, chip)
	if err != nil {
		return err
	}

	if !applied {
		return sw.Set(StepFlat, Skipped)
	}

	trl.Message("FLATCORR complete; science data are now in electrons")
	return nil
}

// applyFlats performs the actual divisions; the switch bookkeeping stays
// with the callers so the MultiAccum path can flatten every read.
func applyFlats(info *ExposureInfo, x *ImageTriplet, xhdr Header, pflt, dflt, lflt *RefImage, chip int) (bool, error) {
	applied := false

	if pflt != nil && !DummyPedigree(pflt.Pedigree) {
		flat, err := flatForChip(x, xhdr, pflt, chip)
		if err != nil {
			return false, err
		}
		// fold the gain into the pixel-to-pixel flat: dividing by
		// flat/gain leaves the science data in electrons
		if info.MeanGain <= 0 {
			return false, errors.Join(ErrReturn, errors.New("Error mean gain is not positive"))
		}
		scaled := flat.Copy()
		ScaleByConstant(scaled, float32(1.0/info.MeanGain))
		if err := Div(x, scaled); err != nil {
			return false, err
		}
		applied = true
	}

	if dflt != nil && !DummyPedigree(dflt.Pedigree) {
		flat, err := flatForChip(x, xhdr, dflt, chip)
		if err != nil {
			return false, err
		}
		if err := Div(x, flat); err != nil {
			return false, err
		}
		applied = true
	}

	if lflt != nil && !DummyPedigree(lflt.Pedigree) {
		flat, err := flatForChip(x, xhdr, lflt, chip)
		if err != nil {
			return false, err
		}
		if err := Div(x, flat); err != nil {
			return false, err
		}
		applied = true
	}

	return applied, nil
}

// flatForChip fetches the chip extension of a flat and checks its size
// against the science image, carving out the matching subarray when the
// science image is smaller.
func flatForChip(x *ImageTriplet, xhdr Header, flat *RefImage, chip int) (*ImageTriplet, error) {
	ref, err := flat.ChipData(chip)
	if err != nil {
		return nil, err
	}

	sameSize, rx, ry, x0, y0, err := FindLine(x, xhdr, ref, flat.Header)
	if err != nil {
		return nil, err
	}
	if rx != 1 || ry != 1 {
		return nil, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error flat %s and input are not binned to the same pixel size; interpolation is not supported", flat.Name))
	}
	if sameSize {
		return ref, nil
	}

	if x0+x.Nx > ref.Nx || y0+x.Ny > ref.Ny {
		return nil, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error flat %s (%dx%d) does not cover input %dx%d at (%d,%d)",
				flat.Name, ref.Nx, ref.Ny, x.Nx, x.Ny, x0, y0))
	}

	sub := NewImageTriplet(x.Nx, x.Ny)
	for j := 0; j < x.Ny; j++ {
		src := (j + y0) * ref.Nx
		dst := j * x.Nx
		copy(sub.Sci[dst:dst+x.Nx], ref.Sci[src+x0:src+x0+x.Nx])
		copy(sub.Err[dst:dst+x.Nx], ref.Err[src+x0:src+x0+x.Nx])
		copy(sub.DQ[dst:dst+x.Nx], ref.DQ[src+x0:src+x0+x.Nx])
	}
	return sub, nil
}
