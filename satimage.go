package ccd

import (
	"errors"
	"fmt"
)

// Geometry of the serial virtual overscan gap inside a full-frame
// reference image. EndPixACAmp is the last column (zero based) belonging
// to the first amp of a line, science area plus its physical overscan;
// the gap of SizeSVOverscan columns follows it.
const (
	SizeSVOverscan = 60
	EndPixACAmp    = 2072
)

// DoFullWellSat flags full-well saturation using a per-pixel threshold
// image. The map stores thresholds in electrons while the science data
// are still DN, so the comparison divides the map by the mean gain. The
// map is a full, untrimmed frame including the serial virtual overscan
// gap; subarray science images have to be steered around that gap, either
// by shifting their start column or, when they straddle it, skipping the
// gap columns mid-line. Overscan pixels themselves are not flagged here;
// the scalar threshold path in DQ init covers them.
func DoFullWellSat(info *ExposureInfo, x *ImageTriplet, xhdr Header, satmap *RefImage, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepSat) != Perform {
		return nil
	}
	if satmap == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error SATUFILE missing"))
	}
	if DummyPedigree(satmap.Pedigree) {
		return sw.Set(StepSat, Dummy)
	}
	if info.MeanGain <= 0 {
		return errors.Join(ErrReturn, errors.New("Error mean gain is not positive"))
	}

	ref, err := satmap.ChipData(chip)
	if err != nil {
		return err
	}

	sameSize, rx, ry, x0, y0, err := FindLine(x, xhdr, ref, satmap.Header)
	if err != nil {
		return err
	}
	if rx != 1 || ry != 1 {
		return errors.Join(ErrSizeMismatch,
			errors.New("Error saturation image and input are not binned to the same pixel size"))
	}

	gain := float32(info.MeanGain)

	if sameSize {
		regions, err := AmpRegions(info, x.Nx, x.Ny, chip)
		if err != nil {
			return err
		}
		for _, r := range regions {
			for j := r.BegY; j < r.EndY; j++ {
				for i := r.BegX; i < r.EndX; i++ {
					if x.Pix(i, j) > ref.Pix(i, j)/gain {
						x.OrDQPix(i, j, SatPixel)
					}
				}
			}
		}
		trl.Message("Full-frame full-well saturation image flagging step done.")
		return nil
	}

	// Subarrays read through one amp; steer around the virtual overscan
	// gap present in the middle of the full-frame reference image.
	straddle := false
	overstart := -1
	if x0 > EndPixACAmp {
		x0 += SizeSVOverscan
	} else if x0+x.Nx > EndPixACAmp {
		straddle = true
		overstart = (EndPixACAmp + 1) - x0
	}

	if x0+x.Nx > ref.Nx && !straddle {
		return errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error saturation image does not cover subarray at (%d,%d)", x0, y0))
	}

	for j, l := 0, y0; j < x.Ny; j, l = j+1, l+1 {
		if l >= ref.Ny {
			break
		}
		for i, k := 0, x0; i < x.Nx; i, k = i+1, k+1 {
			if straddle && i == overstart {
				k += SizeSVOverscan
			}
			if k >= ref.Nx {
				break
			}
			if x.Pix(i, j) > ref.Pix(k, l)/gain {
				x.OrDQPix(i, j, SatPixel)
			}
		}
	}

	trl.Message("Subarray full-well saturation image flagging step done.")
	return nil
}
