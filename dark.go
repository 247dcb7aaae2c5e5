package ccd

import (
	"errors"
	"fmt"
)

// DoDark subtracts the dark reference image, scaled line by line from
// counts/sec to the exposure: each line is multiplied by the exposure
// time over the gain of the amp segment it falls in, then subtracted from
// the science data with the usual error and DQ combination. The returned
// mean is the good-pixel-weighted average of the scaled dark, destined
// for the MEANDARK keyword.
func DoDark(info *ExposureInfo, x *ImageTriplet, xhdr Header, dark *RefImage, chip int, sw *CalSwitches, trl Trailer) (float64, error) {

	if sw.Get(StepDark) != Perform {
		return 0, nil
	}
	if dark == nil {
		return 0, errors.Join(ErrCalFileMissing, errors.New("Error DARKFILE missing"))
	}
	if DummyPedigree(dark.Pedigree) {
		return 0, sw.Set(StepDark, Dummy)
	}

	ref, err := dark.ChipData(chip)
	if err != nil {
		return 0, err
	}

	sameSize, rx, ry, x0, y0, err := FindLine(x, xhdr, ref, dark.Header)
	if err != nil {
		return 0, err
	}
	if rx != 1 || ry != 1 {
		return 0, errors.Join(ErrSizeMismatch,
			errors.New("Error DARK image and input are not binned to the same pixel size"))
	}
	if !sameSize && (x0+x.Nx > ref.Nx || y0+x.Ny > ref.Ny) {
		return 0, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error DARK image is %dx%d but input is %dx%d at (%d,%d)",
				ref.Nx, ref.Ny, x.Nx, x.Ny, x0, y0))
	}

	gain := nsegnGains(info, chip)

	var mean, weight float64

	line := make([]float32, x.Nx)
	eline := make([]float32, x.Nx)
	dqline := make([]uint16, x.Nx)

	for j := 0; j < x.Ny; j++ {
		lj := refLineFor(j, y0, sameSize)
		if lj >= ref.Ny {
			break
		}
		copy(line, ref.Sci[lj*ref.Nx+x0:lj*ref.Nx+x0+x.Nx])
		copy(eline, ref.Err[lj*ref.Nx+x0:lj*ref.Nx+x0+x.Nx])
		copy(dqline, ref.DQ[lj*ref.Nx+x0:lj*ref.Nx+x0+x.Nx])

		scaleLineByGain(line, eline, j, info, gain, info.ExpTime)

		m, w := avgSciLine(line, dqline, info.SDQFlags)
		mean += m * w
		weight += w

		row := j * x.Nx
		for i := 0; i < x.Nx; i++ {
			x.Sci[row+i] -= line[i]
			x.Err[row+i] = quadrature(x.Err[row+i], eline[i])
			x.DQ[row+i] |= dqline[i]
		}
	}

	meandark := 0.0
	if weight > 0 {
		meandark = mean / weight
	}

	trl.Message(fmt.Sprintf("Mean of dark image (MEANDARK) = %g", meandark))
	return meandark, nil
}
