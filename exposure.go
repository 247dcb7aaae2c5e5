package ccd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

// DetectorKind discriminates the two detector families the pipeline
// calibrates.
type DetectorKind int

const (
	DetectorCCD DetectorKind = iota
	DetectorIR
)

// AmpOrder is the canonical amplifier order. Amp A reads the top-left
// quadrant, B top-right, C bottom-left, D bottom-right.
const AmpOrder = "ABCD"

// NAmps is the number of amplifiers on a detector.
const NAmps = 4

// mjdOffset anchors Modified Julian Date 0 = 1858-11-17T00:00Z, expressed
// as a plain Julian Date offset.
const mjdOffset = 2400000.5

// MJDToTime converts a Modified Julian Date to UTC wall time.
func MJDToTime(mjd float64) time.Time {
	return julian.JDToTime(mjd + mjdOffset)
}

// TimeToMJD converts UTC wall time to a Modified Julian Date.
func TimeToMJD(t time.Time) float64 {
	return julian.TimeToJD(t) - mjdOffset
}

// ExposureInfo is the read-only per-exposure record built once from the
// primary header plus the CCD parameters table. The only mutation allowed
// downstream is the per-amp measured bias level, written back by the
// overscan fit.
type ExposureInfo struct {
	Detector   DetectorKind
	Chip       int
	CCDAmp     string // active amps, subset of "ABCD" in canonical order
	CCDGain    float64
	CCDOffset  [NAmps]int
	Bin        [2]int
	Aperture   string
	Filter     string
	SampSeq    string
	Subarray   bool
	SubType    string
	ExpStart   float64 // MJD
	ExpEnd     float64 // MJD
	ExpTime    float64 // seconds
	FlashDur   float64
	FlashStat  string
	NCombine   int
	NSamp      int
	SampZero   float64 // effective exposure time of the zeroth read
	ZSigThresh float64

	// calibrated per-amp values from the CCD parameters table
	AtoDGain  [NAmps]float64
	ReadNoise [NAmps]float64
	CCDBias   [NAmps]float64
	Blev      [NAmps]float64 // measured bias level, set by the overscan fit
	MeanGain  float64

	// overscan geometry from the overscan table
	Trimx     [4]int
	Trimy     [2]int
	BiasSectA [2]int // leading serial physical section
	BiasSectB [2]int // trailing serial physical section
	BiasSectC [2]int // serial virtual section nearest the first amp
	BiasSectD [2]int // serial virtual section nearest the second amp
	Vx        [4]int
	Vy        [4]int
	Ampx      int
	Ampy      int

	Saturate      float64 // scalar full-well threshold fallback
	ScalarSatFlag bool
	SDQFlags      uint16 // serious data quality flags
}

// NewExposureInfo reads the exposure description out of a primary header.
// Table-derived fields (gains, readnoise, default bias, overscan geometry)
// are filled in by GetCCDTab and GetOscnTab afterwards.
func NewExposureInfo(h Header) (*ExposureInfo, error) {
	info := &ExposureInfo{
		NCombine: 1,
		SDQFlags: 0xffff,
	}

	detector, err := GetKey(h, "DETECTOR", "", true)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(detector) {
	case "IR":
		info.Detector = DetectorIR
	case "UVIS", "CCD", "UVIS-CCD", "WFC":
		info.Detector = DetectorCCD
	default:
		return nil, errors.Join(ErrKeywordMissing, fmt.Errorf("Error unknown detector %q", detector))
	}

	if info.Chip, err = GetKey(h, "CCDCHIP", 1, false); err != nil {
		return nil, err
	}
	if info.CCDAmp, err = GetKey(h, "CCDAMP", "", true); err != nil {
		return nil, err
	}
	if err = validAmps(info.CCDAmp); err != nil {
		return nil, err
	}
	if info.CCDGain, err = GetKey(h, "CCDGAIN", 1.0, true); err != nil {
		return nil, err
	}
	for k := 0; k < NAmps; k++ {
		key := fmt.Sprintf("CCDOFST%c", AmpOrder[k])
		if info.CCDOffset[k], err = GetKey(h, key, 0, false); err != nil {
			return nil, err
		}
	}
	if info.Bin[0], err = GetKey(h, "BINAXIS1", 1, false); err != nil {
		return nil, err
	}
	if info.Bin[1], err = GetKey(h, "BINAXIS2", 1, false); err != nil {
		return nil, err
	}
	if info.Aperture, err = GetKey(h, "APERTURE", "", false); err != nil {
		return nil, err
	}
	if info.Filter, err = GetKey(h, "FILTER", "", false); err != nil {
		return nil, err
	}
	if info.SampSeq, err = GetKey(h, "SAMP_SEQ", "", false); err != nil {
		return nil, err
	}
	if info.Subarray, err = GetKey(h, "SUBARRAY", false, false); err != nil {
		return nil, err
	}
	if info.SubType, err = GetKey(h, "SUBTYPE", "", false); err != nil {
		return nil, err
	}
	if info.ExpStart, err = GetKey(h, "EXPSTART", 0.0, true); err != nil {
		return nil, err
	}
	if info.ExpEnd, err = GetKey(h, "EXPEND", 0.0, false); err != nil {
		return nil, err
	}
	if info.ExpTime, err = GetKey(h, "EXPTIME", 0.0, true); err != nil {
		return nil, err
	}
	if info.ExpTime < 0 {
		return nil, errors.Join(ErrInvalidExptime, fmt.Errorf("Error EXPTIME = %g", info.ExpTime))
	}
	if info.FlashDur, err = GetKey(h, "FLASHDUR", 0.0, false); err != nil {
		return nil, err
	}
	if info.FlashStat, err = GetKey(h, "FLASHSTA", "", false); err != nil {
		return nil, err
	}
	if info.NCombine, err = GetKey(h, "NCOMBINE", 1, false); err != nil {
		return nil, err
	}
	if info.NSamp, err = GetKey(h, "NSAMP", 1, false); err != nil {
		return nil, err
	}
	if info.SampZero, err = GetKey(h, "SAMPZERO", 0.0, false); err != nil {
		return nil, err
	}
	if info.ZSigThresh, err = GetKey(h, "ZSIGTHRS", 0.0, false); err != nil {
		return nil, err
	}

	if info.Bin[0] < 1 || info.Bin[0] > 3 || info.Bin[1] < 1 || info.Bin[1] > 3 {
		return nil, errors.Join(ErrBinSize, fmt.Errorf("Error bin = %dx%d", info.Bin[0], info.Bin[1]))
	}

	return info, nil
}

func validAmps(ccdamp string) error {
	if ccdamp == "" {
		return errors.Join(ErrKeywordMissing, errors.New("Error CCDAMP is empty"))
	}
	prev := -1
	for _, c := range ccdamp {
		idx := strings.IndexRune(AmpOrder, c)
		if idx < 0 || idx <= prev {
			return errors.Join(ErrKeywordMissing,
				fmt.Errorf("Error CCDAMP %q is not a canonical subset of %s", ccdamp, AmpOrder))
		}
		prev = idx
	}
	return nil
}

// AmpIndex maps an amplifier letter onto its position in the canonical
// order.
func AmpIndex(amp byte) int {
	return strings.IndexByte(AmpOrder, amp)
}

// ChipAmps returns the amps from the active amp string that read the given
// chip of a two-chip CCD. Chip 1 is read by A and B, chip 2 by C and D.
func ChipAmps(ccdamp string, chip int) string {
	var want string
	if chip == 1 {
		want = "AB"
	} else {
		want = "CD"
	}
	var out strings.Builder
	for _, c := range ccdamp {
		if strings.ContainsRune(want, c) {
			out.WriteRune(c)
		}
	}
	if out.Len() == 0 {
		// single-amp subarray modes list one amp that owns the chip
		return ccdamp
	}
	return out.String()
}
