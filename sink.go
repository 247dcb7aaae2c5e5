package ccd

import (
	"errors"
	"fmt"
)

// sinkRefDate is the floor below which a sink-map value is not a real
// turn-on date (MJD of the year 2000). Values between 0 and this floor
// encode upstream-tail comparison intensities, -1 marks the one-pixel
// downstream tail, and 0 means the pixel is inert.
const sinkRefDate = 51544.0

// DoSink flags sink pixels and their charge-trap tails in the DQ plane.
// The work happens in RAZ coordinates so "downstream" is simply row-1 and
// the upstream walk is increasing row index. For every map pixel whose
// turn-on date precedes the exposure start:
//
//  1. the pixel itself is flagged TRAP;
//  2. a downstream reference value below zero marks the one-pixel tail,
//     flagged as well;
//  3. walking upstream while the reference holds a comparison intensity
//     (0 < value < 1000) and the science pixel is no brighter than it,
//     each pixel is flagged; the walk stops at the first break.
func DoSink(info *ExposureInfo, cd, ab *ImageTriplet, sinkref *RefImage, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepSink) != Perform {
		return nil
	}
	if sinkref == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error SNKCFILE missing"))
	}
	if DummyPedigree(sinkref.Pedigree) {
		return sw.Set(StepSink, Dummy)
	}

	trl.Message("Performing SINK pixel detection and flagging")

	refcd, err := sinkref.ChipData(2)
	if err != nil {
		return err
	}
	refab, err := sinkref.ChipData(1)
	if err != nil {
		return err
	}

	raz, err := MakeRAZ(cd, ab)
	if err != nil {
		return err
	}
	sinkraz, err := MakeRAZ(refcd, refab)
	if err != nil {
		return err
	}

	cols := raz.Nx
	rows := raz.Ny

	nsink := 0
	for i := 1; i < cols-1; i++ {
		for j := 1; j < rows-1; j++ {
			turnon := float64(sinkraz.Pix(i, j))
			if turnon <= sinkRefDate || info.ExpStart <= turnon {
				continue
			}

			// the sink pixel itself
			raz.OrDQPix(i, j, Trap)
			nsink++

			// one-pixel downstream tail
			if sinkraz.Pix(i, j-1) < 0 {
				raz.OrDQPix(i, j-1, Trap)
			}

			// upstream walk: flag while the science pixel stays at or
			// below the tabulated comparison intensity
			for jj := j + 1; jj < rows; jj++ {
				refval := sinkraz.Pix(i, jj)
				if refval <= 0 || refval >= 1000 {
					break
				}
				if raz.Pix(i, jj) > refval {
					break
				}
				raz.OrDQPix(i, jj, Trap)
			}
		}
	}

	if err := UndoRAZ(raz, cd, ab); err != nil {
		return err
	}

	trl.Message(fmt.Sprintf("SINKCORR flagged %d sink pixels", nsink))
	return sw.Set(StepSink, Complete)
}
