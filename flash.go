package ccd

import (
	"errors"
	"fmt"
	"strings"
)

// DoFlash subtracts the post-flash reference image. The structure matches
// the dark subtraction with the flash duration as the scale factor. A
// flash that never fired is warned about and skipped; an aborted flash is
// warned about but still subtracted, since charge was deposited up to the
// abort.
func DoFlash(info *ExposureInfo, x *ImageTriplet, xhdr Header, flash *RefImage, chip int, sw *CalSwitches, trl Trailer) (float64, error) {

	if sw.Get(StepFlash) != Perform {
		return 0, nil
	}
	if flash == nil {
		return 0, errors.Join(ErrCalFileMissing, errors.New("Error FLSHFILE missing"))
	}
	if DummyPedigree(flash.Pedigree) {
		return 0, sw.Set(StepFlash, Dummy)
	}

	if info.FlashDur <= 0 {
		trl.Warn(fmt.Sprintf("Post-flash duration is %g; FLSHCORR will be skipped.", info.FlashDur))
		return 0, sw.Set(StepFlash, Ignored)
	}
	if strings.EqualFold(strings.TrimSpace(info.FlashStat), "ABORTED") {
		trl.Warn("Post-flash status is ABORTED; flash subtraction proceeds anyway.")
	}

	ref, err := flash.ChipData(chip)
	if err != nil {
		return 0, err
	}

	sameSize, rx, ry, x0, y0, err := FindLine(x, xhdr, ref, flash.Header)
	if err != nil {
		return 0, err
	}
	if rx != 1 || ry != 1 {
		return 0, errors.Join(ErrSizeMismatch,
			errors.New("Error FLASH image and input are not binned to the same pixel size"))
	}
	if !sameSize && (x0+x.Nx > ref.Nx || y0+x.Ny > ref.Ny) {
		return 0, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error FLASH image is %dx%d but input is %dx%d at (%d,%d)",
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

		scaleLineByGain(line, eline, j, info, gain, info.FlashDur)

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

	meanflash := 0.0
	if weight > 0 {
		meanflash = mean / weight
	}

	trl.Message(fmt.Sprintf("Mean of post-flash image (MEANFLSH) = %g", meanflash))
	return meanflash, nil
}
