package ccd

import (
	"testing"
)

func TestDoFullWellSatFullFrame(t *testing.T) {
	info := ccdInfoForTest()
	info.MeanGain = 2.0
	info.Trimx = [4]int{0, 0, 0, 0}

	x := NewImageTriplet(16, 16)
	x.SetPix(4, 4, 40000)
	x.SetPix(5, 5, 20000)

	// thresholds in electrons; 60000 e- / gain 2 = 30000 DN
	ref := filled(16, 16, 60000, 0, 0)
	satmap := &RefImage{
		Name:     "test_sat.ccd",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		Chips:    []*ImageTriplet{ref},
	}

	sw := &CalSwitches{steps: map[string]StepStatus{StepSat: Perform}}
	if err := DoFullWellSat(info, x, Header{}, satmap, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	if x.DQPix(4, 4)&SatPixel == 0 {
		t.Error("pixel above threshold not flagged")
	}
	if x.DQPix(5, 5)&SatPixel != 0 {
		t.Error("pixel below threshold flagged")
	}
	if sw.Get(StepSat) != Perform {
		t.Errorf("switch = %v, want PERFORM until the chip loop ends", sw.Get(StepSat))
	}
}

func TestDoFullWellSatSubarrayBeyondGap(t *testing.T) {
	info := ccdInfoForTest()
	info.MeanGain = 1.0
	info.Subarray = true

	// subarray located in the amp B region of chip 1, past the gap
	x := NewImageTriplet(10, 10)
	x.SetPix(2, 3, 5000)
	xhdr := Header{"LTV1": -2100.0, "LTV2": -50.0}

	ref := NewImageTriplet(2400, 100)
	for n := range ref.Sci {
		ref.Sci[n] = 60000
	}
	// the matching reference pixel sits SizeSVOverscan further right
	ref.SetPix(2100+SizeSVOverscan+2, 53, 100)

	satmap := &RefImage{
		Name:     "test_sat.ccd",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		Chips:    []*ImageTriplet{ref},
	}

	sw := &CalSwitches{steps: map[string]StepStatus{StepSat: Perform}}
	if err := DoFullWellSat(info, x, xhdr, satmap, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	if x.DQPix(2, 3)&SatPixel == 0 {
		t.Error("subarray pixel not flagged against the shifted reference")
	}
	if x.DQPix(3, 3)&SatPixel != 0 {
		t.Error("unrelated pixel flagged")
	}
}
