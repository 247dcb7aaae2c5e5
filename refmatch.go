package ccd

import (
	"errors"
	"fmt"
)

// GetCorner reads the binning and detector-corner location of an image
// from its header transform. The corner comes out in unbinned reference
// units.
func GetCorner(h Header) (bin [2]int, corner [2]int, err error) {
	ltm1, err := GetKey(h, "LTM1_1", 1.0, false)
	if err != nil {
		return bin, corner, err
	}
	ltm2, err := GetKey(h, "LTM2_2", 1.0, false)
	if err != nil {
		return bin, corner, err
	}
	ltv1, err := GetKey(h, "LTV1", 0.0, false)
	if err != nil {
		return bin, corner, err
	}
	ltv2, err := GetKey(h, "LTV2", 0.0, false)
	if err != nil {
		return bin, corner, err
	}

	if ltm1 == 0 || ltm2 == 0 {
		return bin, corner, errors.Join(ErrHeaderProblem, errors.New("Error LTM keywords are zero"))
	}

	bin[0] = nint(1.0 / ltm1)
	bin[1] = nint(1.0 / ltm2)
	corner[0] = nint(-ltv1 * float64(bin[0]))
	corner[1] = nint(-ltv2 * float64(bin[1]))
	return bin, corner, nil
}

// FindLine compares a science image against a reference image: whether
// they are the same size, the ratio of their bin factors, and the offset
// of the science corner inside the reference. The corrections require the
// ratio to be one; a coarser reference is an explicit failure rather than
// an interpolation guess.
func FindLine(x *ImageTriplet, xhdr Header, ref *ImageTriplet, refhdr Header) (sameSize bool, rx, ry, x0, y0 int, err error) {

	sciBin, sciCorner, err := GetCorner(xhdr)
	if err != nil {
		return false, 0, 0, 0, 0, err
	}
	refBin, refCorner, err := GetCorner(refhdr)
	if err != nil {
		return false, 0, 0, 0, 0, err
	}

	if refBin[0] == 0 || refBin[1] == 0 {
		return false, 0, 0, 0, 0, errors.Join(ErrHeaderProblem, errors.New("Error reference bin factor is zero"))
	}

	rx = sciBin[0] / refBin[0]
	ry = sciBin[1] / refBin[1]
	x0 = (sciCorner[0] - refCorner[0]) / refBin[0]
	y0 = (sciCorner[1] - refCorner[1]) / refBin[1]

	sameSize = x.Nx == ref.Nx && x.Ny == ref.Ny && x0 == 0 && y0 == 0

	if x0 < 0 || y0 < 0 {
		return sameSize, rx, ry, x0, y0, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error science image starts at (%d,%d), outside the reference image", x0, y0))
	}

	return sameSize, rx, ry, x0, y0, nil
}

// nsegnGains arranges per-amp gains so that index 0/1 serve the low/high
// halves of a line below the amp transition row and 2/3 above it, the way
// every line-wise correction consumes them. Chip 2 of the CCD reads
// through C and D, chip 1 through A and B; the IR detector's four amps are
// reordered for its rotated quadrant layout.
func nsegnGains(info *ExposureInfo, chip int) [NAmps]float64 {
	var gain [NAmps]float64

	if info.Detector == DetectorCCD {
		a, b := AmpIndex('A'), AmpIndex('B')
		if chip == 2 {
			a, b = AmpIndex('C'), AmpIndex('D')
		}
		gain[0] = info.AtoDGain[a]
		gain[1] = info.AtoDGain[b]
		gain[2] = info.AtoDGain[a]
		gain[3] = info.AtoDGain[b]
		return gain
	}

	gain[0] = info.AtoDGain[AmpIndex('A')]
	gain[1] = info.AtoDGain[AmpIndex('D')]
	gain[2] = info.AtoDGain[AmpIndex('B')]
	gain[3] = info.AtoDGain[AmpIndex('C')]
	return gain
}

// scaleLineByGain multiplies one line of sci/err by k0 divided by the
// per-segment gain, splitting the line at the amp transition column.
func scaleLineByGain(sci, errv []float32, j int, info *ExposureInfo, gain [NAmps]float64, k0 float64) {
	dimx := len(sci)

	lowAmp, highAmp := 2, 3
	if j < info.Ampy {
		lowAmp, highAmp = 0, 1
	}

	ampx := info.Ampx
	if ampx > dimx {
		ampx = dimx
	}

	if ampx > 0 && gain[lowAmp] > 0 {
		k := float32(k0 / gain[lowAmp])
		for i := 0; i < ampx; i++ {
			sci[i] *= k
			errv[i] *= k
		}
	}
	if gain[highAmp] > 0 {
		k := float32(k0 / gain[highAmp])
		for i := ampx; i < dimx; i++ {
			sci[i] *= k
			errv[i] *= k
		}
	}
}

// avgSciLine computes the mean of the good pixels in one line plus the
// fraction of the line that was good, for the weighted step means
// (MEANDARK and friends).
func avgSciLine(sci []float32, dq []uint16, sdqflags uint16) (mean, weight float64) {
	var sum float64
	numgood := 0
	for i := range sci {
		if dq[i]&sdqflags == 0 {
			sum += float64(sci[i])
			numgood++
		}
	}
	if numgood == 0 {
		return 0, 0
	}
	return sum / float64(numgood), float64(numgood) / float64(len(sci))
}

// refLineFor maps a science line to the matching reference line for
// subarray inputs; same-size inputs map one to one.
func refLineFor(j, y0 int, sameSize bool) int {
	if sameSize {
		return j
	}
	return j + y0
}
