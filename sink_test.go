package ccd

import (
	"testing"
)

// sinkSetup builds two chips and a sink reference image with a sink
// pixel in the amp C quadrant, where the RAZ transform is the identity.
func sinkSetup() (*ExposureInfo, *ImageTriplet, *ImageTriplet, *RefImage) {
	info := &ExposureInfo{
		Detector: DetectorCCD,
		CCDAmp:   "ABCD",
		ExpStart: 56000,
		Bin:      [2]int{1, 1},
	}

	cd := NewImageTriplet(120, 120)
	ab := NewImageTriplet(120, 120)

	refcd := NewImageTriplet(120, 120)
	refab := NewImageTriplet(120, 120)

	// the sink pixel turned on at MJD 55000, before the exposure; the
	// pixel below it is the one-pixel downstream tail, and the pixel
	// above carries an upstream comparison intensity
	refcd.SetPix(50, 100, 55000)
	refcd.SetPix(50, 99, -1)
	refcd.SetPix(50, 101, 20)
	refcd.SetPix(50, 102, 0)

	cd.SetPix(50, 100, 10)
	cd.SetPix(50, 101, 15)

	sink := &RefImage{
		Name:     "test_snk.ccd",
		Pedigree: "INFLIGHT",
		Chips:    []*ImageTriplet{refab, refcd},
	}

	return info, cd, ab, sink
}

func TestDoSinkFlagsTail(t *testing.T) {
	info, cd, ab, sink := sinkSetup()

	sw := &CalSwitches{steps: map[string]StepStatus{StepSink: Perform}}
	if err := DoSink(info, cd, ab, sink, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	// the sink pixel, its downstream tail and the matching upstream
	// pixel are flagged; the inert pixel above is not
	for _, j := range []int{99, 100, 101} {
		if cd.DQPix(50, j)&Trap == 0 {
			t.Errorf("pixel (50,%d) not flagged", j)
		}
	}
	if cd.DQPix(50, 102)&Trap != 0 {
		t.Error("inert pixel (50,102) flagged")
	}
	if sw.Get(StepSink) != Complete {
		t.Errorf("switch = %v", sw.Get(StepSink))
	}
}

func TestDoSinkUpstreamStopsAtBrightPixel(t *testing.T) {
	info, cd, ab, sink := sinkSetup()

	// science is brighter than the upstream comparison intensity, so
	// the walk stops immediately
	cd.SetPix(50, 101, 500)

	sw := &CalSwitches{steps: map[string]StepStatus{StepSink: Perform}}
	if err := DoSink(info, cd, ab, sink, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	if cd.DQPix(50, 101)&Trap != 0 {
		t.Error("bright upstream pixel flagged")
	}
	if cd.DQPix(50, 100)&Trap == 0 {
		t.Error("sink pixel itself not flagged")
	}
}

func TestDoSinkFutureTurnOnIgnored(t *testing.T) {
	info, cd, ab, sink := sinkSetup()

	// the exposure predates the sink pixel's turn-on
	info.ExpStart = 54000

	sw := &CalSwitches{steps: map[string]StepStatus{StepSink: Perform}}
	if err := DoSink(info, cd, ab, sink, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	for _, j := range []int{99, 100, 101} {
		if cd.DQPix(50, j)&Trap != 0 {
			t.Errorf("pixel (50,%d) flagged for a future sink", j)
		}
	}
}

func TestDoSinkDummyPedigree(t *testing.T) {
	info, cd, ab, sink := sinkSetup()
	sink.Pedigree = "DUMMY"

	sw := &CalSwitches{steps: map[string]StepStatus{StepSink: Perform}}
	if err := DoSink(info, cd, ab, sink, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	if cd.DQPix(50, 100)&Trap != 0 {
		t.Error("dummy sink map applied")
	}
	if sw.Get(StepSink) != Dummy {
		t.Errorf("switch = %v, want DUMMY", sw.Get(StepSink))
	}
}
