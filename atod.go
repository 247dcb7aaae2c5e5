package ccd

import (
	"errors"
	"fmt"
	"math"
)

// DoAtoD replaces each raw integer science value with the corrected value
// looked up from the analog-to-digital correction table. Rows are matched
// on amp and commanded gain; among the matches the winner is the row whose
// reference keyword value lies closest to the image header's value of that
// keyword. Values beyond the end of the correction array clamp to the last
// element and are flagged saturated.
//
// The correction must land on raw integer data, before any other
// arithmetic has touched it, so a combined image is refused outright.
func DoAtoD(info *ExposureInfo, x *ImageTriplet, hdr Header, atod *RefTable, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepAtoD) != Perform {
		return nil
	}

	if info.NCombine > 1 {
		return errors.Join(ErrReturn,
			errors.New("Error NCOMBINE is already > 1 before ATODCORR has been performed"))
	}

	for _, col := range []string{"CCDAMP", "CCDGAIN", "REF_KEY", "REF_KEY_VALUE", "NELEM", "ATOD"} {
		if !atod.HasColumn(col) {
			return errors.Join(ErrColumnNotFound,
				fmt.Errorf("Error column %s not found in ATODTAB %s", col, atod.Name))
		}
	}

	foundit := false
	rowMin := -1
	dtMin := 0.0

	for row := 0; row < atod.NRows; row++ {
		amp, err := atod.StringAt("CCDAMP", row)
		if err != nil {
			return err
		}
		gain, err := atod.FloatAt("CCDGAIN", row)
		if err != nil {
			return err
		}
		if !SameString(amp, info.CCDAmp) || !SameFlt(gain, info.CCDGain) {
			continue
		}

		refKey, err := atod.StringAt("REF_KEY", row)
		if err != nil {
			return err
		}
		refKeyValue, err := atod.FloatAt("REF_KEY_VALUE", row)
		if err != nil {
			return err
		}
		imgValue, err := GetKey(hdr, refKey, 0.0, true)
		if err != nil {
			return err
		}

		dt := math.Abs(imgValue - refKeyValue)
		if !foundit || dt < dtMin {
			foundit = true
			dtMin = dt
			rowMin = row
		}
	}

	if !foundit {
		return errors.Join(ErrTableError,
			fmt.Errorf("Error CCD amp %s, gain %g, not found in ATODTAB %s",
				info.CCDAmp, info.CCDGain, atod.Name))
	}

	if DummyPedigree(atod.PedigreeAt(rowMin)) {
		return sw.Set(StepAtoD, Dummy)
	}

	nelem, err := atod.IntAt("NELEM", rowMin)
	if err != nil {
		return err
	}
	corr, err := atod.FloatArrayAt("ATOD", rowMin)
	if err != nil {
		return err
	}
	if nelem < 1 || nelem > len(corr) {
		return errors.Join(ErrTableError,
			fmt.Errorf("Error NELEM = %d disagrees with ATOD array length %d", nelem, len(corr)))
	}

	for n, v := range x.Sci {
		ival := int(v)
		switch {
		case ival >= nelem:
			x.Sci[n] = float32(corr[nelem-1])
			x.DQ[n] |= SatPixel
		case ival >= 0:
			x.Sci[n] = float32(corr[ival])
		default:
			// leave negative raw values alone
		}
	}

	trl.Message(fmt.Sprintf("ATODCORR applied from row %d of %s", rowMin+1, atod.Name))
	return nil
}
