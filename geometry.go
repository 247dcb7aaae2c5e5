package ccd

import (
	"errors"
	"fmt"
)

// AmpRegion is the rectangle of science pixels read through one
// amplifier, expressed as half-open bounds [BegX,EndX) x [BegY,EndY) in
// the raw (untrimmed) image. XHalf/YHalf locate the amp corner on the
// detector grid: A -> (0,1), B -> (1,1), C -> (0,0), D -> (1,0).
type AmpRegion struct {
	Amp   byte
	Index int // position in the canonical amp order
	XHalf int
	YHalf int
	BegX  int
	EndX  int
	BegY  int
	EndY  int
}

var ampXHalf = map[byte]int{'A': 0, 'B': 1, 'C': 0, 'D': 1}
var ampYHalf = map[byte]int{'A': 1, 'B': 1, 'C': 0, 'D': 0}

// AmpRegions computes the science rectangle for each amp that reads the
// given chip. The trims and the amp transition point come from the
// overscan table and already reflect the binning factor, so the bounds
// here only need assembling and clipping to the image.
func AmpRegions(info *ExposureInfo, nx, ny, chip int) ([]AmpRegion, error) {
	ccdamp := info.CCDAmp
	if info.Detector == DetectorCCD {
		ccdamp = ChipAmps(info.CCDAmp, chip)
	}
	if len(ccdamp) == 0 {
		return nil, errors.Join(ErrKeywordMissing,
			fmt.Errorf("Error no amps read chip %d of amp string %q", chip, info.CCDAmp))
	}

	trimx1 := info.Trimx[0]
	trimx2 := info.Trimx[1]
	trimx3 := info.Trimx[2]
	trimx4 := info.Trimx[3]
	trimy1 := info.Trimy[0]
	trimy2 := info.Trimy[1]

	regions := make([]AmpRegion, 0, len(ccdamp))
	for k := 0; k < len(ccdamp); k++ {
		amp := ccdamp[k]
		idx := AmpIndex(amp)
		if idx < 0 {
			return nil, errors.Join(ErrKeywordMissing, fmt.Errorf("Error unknown amp %c", amp))
		}
		xhalf := ampXHalf[amp]
		yhalf := ampYHalf[amp]

		r := AmpRegion{Amp: amp, Index: idx, XHalf: xhalf, YHalf: yhalf}

		r.BegX = trimx1 + (info.Ampx+trimx3+trimx4)*xhalf
		if xhalf == 0 && info.Ampx != 0 {
			r.EndX = info.Ampx + trimx1
		} else {
			r.EndX = nx - trimx2
		}
		r.BegY = trimy1 + info.Ampy*yhalf
		if yhalf == 0 && info.Ampy != 0 {
			r.EndY = info.Ampy + trimy1
		} else {
			r.EndY = ny - trimy2
		}

		// never let a region extend past the image itself
		if r.EndX > nx {
			r.EndX = nx
		}
		if r.EndY > ny {
			r.EndY = ny
		}
		regions = append(regions, r)
	}

	return regions, nil
}

// SelectBias returns the index into the per-amp default bias array for
// the first amp of the active amp string, shifted for chip 2 of a
// multi-amp CCD readout.
func SelectBias(info *ExposureInfo, chip int) int {
	idx := AmpIndex(info.CCDAmp[0])
	if idx < 0 {
		idx = 0
	}
	if len(info.CCDAmp) > 1 && info.Detector == DetectorCCD && chip == 2 {
		idx += 2
	}
	if idx >= NAmps {
		idx = NAmps - 1
	}
	return idx
}

// BiasSections resolves which overscan columns feed the serial bias fit
// for one amp region, following the fallback ladder: the serial-virtual
// pair when both are present (both sections for a single-amp line, the
// nearer one otherwise), a lone virtual section when only one exists, and
// the physical serial sections on the image edges as the last resort.
// The second returned section is zeroed when unused.
func BiasSections(info *ExposureInfo, r AmpRegion, numamps int) (sect [4]int, ok bool) {
	switch {
	case info.BiasSectC[1] > 0 && info.BiasSectD[1] > 0:
		if r.XHalf == 0 {
			sect[0], sect[1] = info.BiasSectC[0], info.BiasSectC[1]
		} else {
			sect[0], sect[1] = info.BiasSectD[0], info.BiasSectD[1]
		}
		if numamps == 1 {
			if r.XHalf == 0 {
				sect[2], sect[3] = info.BiasSectD[0], info.BiasSectD[1]
			} else {
				sect[2], sect[3] = info.BiasSectC[0], info.BiasSectC[1]
			}
		}
		return sect, true

	case info.BiasSectC[1] <= 0 && info.BiasSectD[1] <= 0:
		// no virtual sections at all; fall back to physical overscan
		if info.BiasSectA[1] == 0 && info.BiasSectB[1] == 0 {
			return sect, false
		}
		if info.BiasSectA[1] == 0 {
			sect[0], sect[1] = info.BiasSectB[0], info.BiasSectB[1]
		} else {
			sect[0], sect[1] = info.BiasSectA[0], info.BiasSectA[1]
		}
		return sect, true

	default:
		if info.BiasSectC[1] == 0 {
			sect[0], sect[1] = info.BiasSectD[0], info.BiasSectD[1]
		} else {
			sect[0], sect[1] = info.BiasSectC[0], info.BiasSectC[1]
		}
		return sect, true
	}
}

// VirtualSection returns the parallel virtual overscan rectangle assigned
// to one amp. The overscan table may split the region per amp; the first
// pair of Vx/Vy serves the low-x amp and the second pair the high-x amp.
func VirtualSection(info *ExposureInfo, r AmpRegion) (vx, vy [2]int) {
	if r.XHalf == 0 {
		vx[0], vx[1] = info.Vx[0], info.Vx[1]
		vy[0], vy[1] = info.Vy[0], info.Vy[1]
	} else {
		vx[0], vx[1] = info.Vx[2], info.Vx[3]
		vy[0], vy[1] = info.Vy[2], info.Vy[3]
	}
	return vx, vy
}
