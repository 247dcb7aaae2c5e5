package ccd

import (
	"errors"
	"fmt"
)

// Exposure is one raw observation loaded into memory: the primary header,
// the per-chip science triplets with their extension headers, and for the
// IR detector the MultiAccum cube instead.
type Exposure struct {
	Primary     Header
	Chips       []*ImageTriplet
	ChipHeaders []Header
	Cube        *Cube
	Info        *ExposureInfo
}

// RefSet bundles every reference artifact a run may consume. Individual
// steps check for the pieces they need; a missing required artifact is a
// fatal configuration error, a dummy one degrades its step to skipped.
type RefSet struct {
	Bpix *RefTable // bad pixel table
	CCD  *RefTable // CCD parameters
	Oscn *RefTable // overscan regions
	AtoD *RefTable // analog-to-digital correction
	Phot *RefTable // photometry keywords

	Bias   *RefImage
	Dark   *RefImage
	Flash  *RefImage
	PFlt   *RefImage
	DFlt   *RefImage
	LFlt   *RefImage
	Shad   *RefImage
	SatMap *RefImage
	Sink   *RefImage

	Nlin *NlinData

	// CTE branch
	PCTE     *RefTable
	SclByCol *RefTable
	RProf    *RefImage
	CProf    *RefImage
	Biac     *RefImage
}

// ccdSteps are the switch keywords consulted on the CCD path.
var ccdSteps = []string{
	StepDQI, StepAtoD, StepBlev, StepBias, StepSink, StepSat,
	StepFlash, StepDark, StepFlat, StepShad, StepPhot, StepFlux, StepCTE,
}

// irSteps are the switch keywords consulted on the IR path.
var irSteps = []string{
	StepDQI, StepZsig, StepNlin, StepBlev, StepDark, StepFlat, StepUnit,
}

// NewCCDSwitches reads the CCD-path calibration switches from a header.
func NewCCDSwitches(h Header) (*CalSwitches, error) {
	return NewCalSwitches(h, ccdSteps)
}

// NewIRSwitches reads the IR-path calibration switches from a header.
func NewIRSwitches(h Header) (*CalSwitches, error) {
	return NewCalSwitches(h, irSteps)
}

// CalibrateCCD runs the CCD calibration sequence on an exposure: sink
// flagging across both chips first, then chip by chip DQ initialisation,
// A/D correction, overscan bias, bias image, saturation flagging, the
// flash/dark/flat/shading corrections, the photometry keywords and finally
// the chip-2 flux scaling. Headers are updated in place and every
// performed switch moves to COMPLETE.
func CalibrateCCD(exp *Exposure, refs *RefSet, sw *CalSwitches, trl Trailer) error {

	info := exp.Info

	if !sw.AnyEnabled() {
		return errors.Join(ErrNothingToDo, errors.New("Error no calibration switch set to PERFORM"))
	}

	if err := GetCCDTab(info, refs.CCD); err != nil {
		return err
	}
	if err := GetOscnTab(info, refs.Oscn); err != nil {
		return err
	}

	// with no usable saturation image the scalar threshold is the
	// fall-back for the whole readout; with one, the scalar still owns
	// the overscan regions the image never covers
	info.ScalarSatFlag = refs.SatMap == nil ||
		DummyPedigree(refs.SatMap.Pedigree) || sw.Get(StepSat) != Perform

	// sink-pixel flagging needs both chips in RAZ layout at once
	if sw.Get(StepSink) == Perform {
		if len(exp.Chips) != 2 {
			return errors.Join(ErrReturn, errors.New("Error SINKCORR needs both detector chips"))
		}
		if err := DoSink(info, exp.Chips[1], exp.Chips[0], refs.Sink, sw, trl); err != nil {
			return err
		}
	}

	for c := range exp.Chips {
		chip := c + 1
		x := exp.Chips[c]
		xhdr := exp.ChipHeaders[c]

		if err := DoDQI(info, x, xhdr, refs.Bpix, chip, sw, trl); err != nil {
			return err
		}

		if err := DoAtoD(info, x, exp.Primary, refs.AtoD, sw, trl); err != nil {
			return err
		}

		if sw.Get(StepBlev) == Perform {
			overscan := info.Trimx[0] > 0 || info.Trimx[1] > 0
			meanblev, driftcorr, err := DoBlev(info, x, chip, overscan, trl)
			if err != nil {
				return err
			}
			PutKey(xhdr, "MEANBLEV", meanblev)
			if driftcorr {
				trl.Message("(blevcorr) Bias drift correction applied.")
			}
		}

		if err := DoBias(info, x, xhdr, refs.Bias, chip, sw, trl); err != nil {
			return err
		}

		if err := DoFullWellSat(info, x, xhdr, refs.SatMap, chip, sw, trl); err != nil {
			return err
		}

		meanflsh, err := DoFlash(info, x, xhdr, refs.Flash, chip, sw, trl)
		if err != nil {
			return err
		}
		if sw.Get(StepFlash) == Perform {
			PutKey(xhdr, "MEANFLSH", meanflsh)
			PutKey(exp.Primary, "MEANFLSH", meanflsh)
		}

		meandark, err := DoDark(info, x, xhdr, refs.Dark, chip, sw, trl)
		if err != nil {
			return err
		}
		if sw.Get(StepDark) == Perform {
			PutKey(xhdr, "MEANDARK", meandark)
			PutKey(exp.Primary, "MEANDARK", meandark)
		}

		if err := DoFlat(info, x, xhdr, refs.PFlt, refs.DFlt, refs.LFlt, chip, sw, trl); err != nil {
			return err
		}

		if err := DoShad(info, x, xhdr, refs.Shad, chip, sw, trl); err != nil {
			return err
		}

		if err := DoPhot(info, xhdr, exp.Primary, refs.Phot, chip, sw, trl); err != nil {
			return err
		}
		if err := DoFlux(x, exp.Primary, chip, sw, trl); err != nil {
			return err
		}
	}

	// per-chip steps complete once every chip is through; a step a
	// reference degraded to DUMMY or IGNORED keeps that state
	for _, step := range []string{
		StepDQI, StepAtoD, StepBlev, StepBias, StepSat,
		StepFlash, StepDark, StepFlat, StepShad, StepPhot, StepFlux,
	} {
		if sw.Get(step) == Perform {
			if err := sw.Set(step, Complete); err != nil {
				return err
			}
		}
	}

	recordRefHistory(exp.Primary, refs)
	writeAmpKeywords(info, exp.Primary)
	sw.Writeback(exp.Primary)

	return nil
}

// RunCTE is the separate CTE entry point: it applies the CTE-specific bias
// subtraction to the raw exposure, then the CTE correction, and leaves a
// corrected raw image for the main pipeline to calibrate.
func RunCTE(exp *Exposure, refs *RefSet, sw *CalSwitches, oneThread bool, trl Trailer) error {

	info := exp.Info

	if sw.Get(StepCTE) != Perform {
		return nil
	}
	if len(exp.Chips) != 2 {
		return errors.Join(ErrReturn, errors.New("Error CTE correction needs both detector chips"))
	}
	if refs.PCTE == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error PCTETAB missing"))
	}

	if err := GetCCDTab(info, refs.CCD); err != nil {
		return err
	}
	if err := GetOscnTab(info, refs.Oscn); err != nil {
		return err
	}

	pars, err := LoadCTEParams(refs.PCTE, refs.SclByCol, refs.RProf, refs.CProf)
	if err != nil {
		return err
	}
	pars.ApplyHeaderOverrides(exp.Primary)

	// chip 2 carries amps C and D, chip 1 amps A and B
	cd := exp.Chips[1]
	ab := exp.Chips[0]

	if err := DoCteBias(info, cd, exp.ChipHeaders[1], refs.Biac, 2, sw, trl); err != nil {
		return err
	}
	if err := DoCteBias(info, ab, exp.ChipHeaders[0], refs.Biac, 1, sw, trl); err != nil {
		return err
	}

	if err := DoCTE(info, cd, ab, exp.Primary, pars, oneThread, trl); err != nil {
		return err
	}

	if err := sw.Set(StepCTE, Complete); err != nil {
		return err
	}
	sw.Writeback(exp.Primary)
	return nil
}

// CalibrateIR runs the MultiAccum sequence: per-read DQ initialisation,
// zero-read signal estimation, the non-linearity polynomial with
// saturation carry, the reference-pixel bias removal and the conversion
// to count rates.
func CalibrateIR(exp *Exposure, refs *RefSet, sw *CalSwitches, trl Trailer) error {

	info := exp.Info
	cube := exp.Cube

	if cube == nil || cube.NSamp() < 2 {
		return errors.Join(ErrReturn, errors.New("Error IR calibration needs a MultiAccum cube"))
	}
	if !sw.AnyEnabled() {
		return errors.Join(ErrNothingToDo, errors.New("Error no calibration switch set to PERFORM"))
	}

	if err := GetCCDTab(info, refs.CCD); err != nil {
		return err
	}
	if err := GetOscnTab(info, refs.Oscn); err != nil {
		return err
	}

	// DQ init for every read, with saturation carried between reads.
	// A read whose zeroth-read reference was unusable arrives marked
	// IMSET_OK = false; its pixels are all flagged as deviant instead
	// of being threshold-checked.
	for k := cube.NSamp() - 1; k >= 0; k-- {
		ok, err := GetKey(cube.Headers[k], "IMSET_OK", true, false)
		if err != nil {
			return err
		}
		if !ok {
			trl.Warn(fmt.Sprintf("imset %d is marked not OK; flagging whole read", k+1))
			for n := range cube.Reads[k].DQ {
				cube.Reads[k].DQ[n] |= BadZero
			}
			continue
		}
		if err := DoDQI(info, cube.Reads[k], cube.Headers[k], refs.Bpix, 1, sw, trl); err != nil {
			return err
		}
	}
	PropagateCubeSaturation(cube)
	if sw.Get(StepDQI) == Perform {
		if err := sw.Set(StepDQI, Complete); err != nil {
			return err
		}
	}

	zsig, err := DoZsigIR(info, cube, refs.Nlin, sw, trl)
	if err != nil {
		return err
	}

	if err := DoNlinIR(info, cube, refs.Nlin, zsig, sw, trl); err != nil {
		return err
	}

	if err := DoBlevIR(info, cube, sw, trl); err != nil {
		return err
	}

	// per-read dark subtraction when the dark file carries one image per
	// read of the sample sequence
	if sw.Get(StepDark) == Perform {
		if refs.Dark == nil {
			return errors.Join(ErrCalFileMissing, errors.New("Error DARKFILE missing"))
		}
		if DummyPedigree(refs.Dark.Pedigree) {
			if err := sw.Set(StepDark, Dummy); err != nil {
				return err
			}
		} else if len(refs.Dark.Chips) < cube.NSamp() {
			trl.Warn(fmt.Sprintf("DARKFILE has %d reads but the cube has %d; DARKCORR skipped",
				len(refs.Dark.Chips), cube.NSamp()))
			if err := sw.Set(StepDark, Skipped); err != nil {
				return err
			}
		} else {
			for k := 0; k < cube.NSamp(); k++ {
				if err := Sub(cube.Reads[k], refs.Dark.Chips[k]); err != nil {
					return err
				}
			}
			if err := sw.Set(StepDark, Complete); err != nil {
				return err
			}
		}
	}

	if sw.Get(StepFlat) == Perform {
		anyApplied := false
		for k := 0; k < cube.NSamp(); k++ {
			applied, err := applyFlats(info, cube.Reads[k], cube.Headers[k], refs.PFlt, refs.DFlt, refs.LFlt, 1)
			if err != nil {
				return err
			}
			anyApplied = anyApplied || applied
		}
		if anyApplied {
			if err := sw.Set(StepFlat, Complete); err != nil {
				return err
			}
		} else {
			if err := sw.Set(StepFlat, Skipped); err != nil {
				return err
			}
		}
	}

	flatDone := sw.Get(StepFlat) == Complete
	if err := DoUnitIR(info, cube, flatDone, sw, trl); err != nil {
		return err
	}

	recordRefHistory(exp.Primary, refs)
	writeAmpKeywords(info, exp.Primary)
	sw.Writeback(exp.Primary)

	return nil
}

// recordRefHistory appends the pedigree and description of every
// reference artifact consumed by the run to the primary header history.
func recordRefHistory(h Header, refs *RefSet) {
	for _, tab := range []*RefTable{refs.Bpix, refs.CCD, refs.Oscn, refs.AtoD, refs.Phot, refs.PCTE} {
		if tab == nil {
			continue
		}
		AddHistory(h, fmt.Sprintf("%s pedigree=%s %s", tab.Name, tab.Pedigree, tab.Descrip))
	}
	for _, img := range []*RefImage{
		refs.Bias, refs.Dark, refs.Flash, refs.PFlt, refs.DFlt, refs.LFlt,
		refs.Shad, refs.SatMap, refs.Sink, refs.Biac,
	} {
		if img == nil {
			continue
		}
		AddHistory(h, fmt.Sprintf("%s pedigree=%s %s", img.Name, img.Pedigree, img.Descrip))
	}
	if refs.Nlin != nil {
		AddHistory(h, fmt.Sprintf("%s pedigree=%s", refs.Nlin.Name, refs.Nlin.Pedigree))
	}
}

// writeAmpKeywords records the per-amp calibration constants used for the
// run in the primary header.
func writeAmpKeywords(info *ExposureInfo, h Header) {
	for k := 0; k < NAmps; k++ {
		letter := string(AmpOrder[k])
		PutKey(h, "ATODGN"+letter, info.AtoDGain[k])
		PutKey(h, "READNSE"+letter, info.ReadNoise[k])
	}
}
