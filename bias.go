package ccd

import (
	"errors"
	"fmt"
)

// subtractRefImage subtracts a bias-style reference image from the
// science image line by line, matching subarray inputs to the proper
// section of the reference.
func subtractRefImage(x *ImageTriplet, xhdr Header, ref *RefImage, chip int) error {
	data, err := ref.ChipData(chip)
	if err != nil {
		return err
	}

	sameSize, rx, ry, x0, y0, err := FindLine(x, xhdr, data, ref.Header)
	if err != nil {
		return err
	}
	if rx != 1 || ry != 1 {
		return errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error %s image and input are not binned to the same pixel size", ref.Name))
	}
	if sameSize && (x.Nx != data.Nx || x.Ny != data.Ny) {
		return errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error %s image is %dx%d but input is %dx%d", ref.Name, data.Nx, data.Ny, x.Nx, x.Ny))
	}
	if !sameSize && (x0+x.Nx > data.Nx || y0+x.Ny > data.Ny) {
		return errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error %s image does not cover input at offset (%d,%d)", ref.Name, x0, y0))
	}

	for j := 0; j < x.Ny; j++ {
		lj := refLineFor(j, y0, sameSize)
		row := j * x.Nx
		src := lj*data.Nx + x0
		for i := 0; i < x.Nx; i++ {
			x.Sci[row+i] -= data.Sci[src+i]
			x.Err[row+i] = quadrature(x.Err[row+i], data.Err[src+i])
			x.DQ[row+i] |= data.DQ[src+i]
		}
	}

	return nil
}

// DoBias subtracts the 2-D bias reference image. Per-amp structure lives
// in the reference image itself; the overscan-fit step has already taken
// out the per-amp level, so this is a plain image subtraction.
func DoBias(info *ExposureInfo, x *ImageTriplet, xhdr Header, bias *RefImage, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepBias) != Perform {
		return nil
	}
	if bias == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error BIASFILE missing"))
	}
	if DummyPedigree(bias.Pedigree) {
		return sw.Set(StepBias, Dummy)
	}

	if err := subtractRefImage(x, xhdr, bias, chip); err != nil {
		return err
	}

	trl.Message(fmt.Sprintf("BIASCORR complete using %s", bias.Name))
	return nil
}

// DoCteBias subtracts the CTE-specific super-bias image ahead of the RAZ
// reformatting. It refuses to run when the regular bias subtraction has
// already happened, since the CTE branch consumes raw data and a second
// subtraction would be destructive.
func DoCteBias(info *ExposureInfo, x *ImageTriplet, xhdr Header, biac *RefImage, chip int, sw *CalSwitches, trl Trailer) error {

	if biac == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error BIACFILE missing"))
	}
	if sw.Get(StepBias) == Complete {
		return errors.Join(ErrReturn,
			errors.New("Error BIASCORR already complete; refusing to subtract the CTE bias twice"))
	}
	if DummyPedigree(biac.Pedigree) {
		return errors.Join(ErrCalFileMissing,
			fmt.Errorf("Error BIACFILE %s has a dummy pedigree", biac.Name))
	}

	trl.Message(fmt.Sprintf("CTE: Subtracting BIACFILE: %s for chip %d", biac.Name, chip))
	return subtractRefImage(x, xhdr, biac, chip)
}
