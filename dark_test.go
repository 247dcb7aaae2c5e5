package ccd

import (
	"math"
	"testing"
)

func refImageSameSize(nx, ny int, value float32) *RefImage {
	chip := filled(nx, ny, value, 0, 0)
	return &RefImage{
		Name:     "test_ref.ccd",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		Chips:    []*ImageTriplet{chip},
	}
}

func TestDoDarkScalesByExptimeAndGain(t *testing.T) {
	info := ccdInfoForTest()
	info.ExpTime = 600
	info.AtoDGain = [NAmps]float64{1.5, 1.5, 1.5, 1.5}
	info.Ampx = 0
	info.Ampy = 0

	x := filled(8, 8, 1000, 0, 0)
	dark := refImageSameSize(8, 8, 0.01) // counts/sec

	sw := &CalSwitches{steps: map[string]StepStatus{StepDark: Perform}}
	meandark, err := DoDark(info, x, Header{}, dark, 1, sw, &CaptureTrailer{})
	if err != nil {
		t.Fatal(err)
	}

	// dark scaled by exptime/gain: 0.01 * 600 / 1.5 = 4
	want := float32(1000 - 4)
	if math.Abs(float64(x.Pix(3, 3)-want)) > 1e-3 {
		t.Errorf("pixel = %g, want %g", x.Pix(3, 3), want)
	}
	if math.Abs(meandark-4) > 1e-3 {
		t.Errorf("meandark = %g, want 4", meandark)
	}
	if sw.Get(StepDark) != Perform {
		t.Errorf("switch = %v, want PERFORM until the chip loop ends", sw.Get(StepDark))
	}
}

func TestDoDarkSizeMismatch(t *testing.T) {
	info := ccdInfoForTest()
	info.ExpTime = 600
	info.AtoDGain[0] = 1.5

	x := filled(8, 8, 1000, 0, 0)
	dark := refImageSameSize(6, 6, 0.01)

	sw := &CalSwitches{steps: map[string]StepStatus{StepDark: Perform}}
	_, err := DoDark(info, x, Header{}, dark, 1, sw, &CaptureTrailer{})
	if StatusCode(err) != ExitSizeMismatch {
		t.Errorf("status = %d, want %d", StatusCode(err), ExitSizeMismatch)
	}
}

func TestDoDarkDummy(t *testing.T) {
	info := ccdInfoForTest()
	x := filled(4, 4, 1000, 0, 0)
	dark := refImageSameSize(4, 4, 5)
	dark.Pedigree = "DUMMY created for testing"

	sw := &CalSwitches{steps: map[string]StepStatus{StepDark: Perform}}
	if _, err := DoDark(info, x, Header{}, dark, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	if x.Pix(0, 0) != 1000 {
		t.Error("dummy dark applied")
	}
	if sw.Get(StepDark) != Dummy {
		t.Errorf("switch = %v", sw.Get(StepDark))
	}
}

func TestDoFlatUnitFlatIsBitExact(t *testing.T) {
	info := ccdInfoForTest()
	info.MeanGain = 1.0 // keep the gain folding out of the identity check

	x := NewImageTriplet(6, 6)
	for n := range x.Sci {
		x.Sci[n] = float32(n) * 0.317
		x.Err[n] = float32(n) * 0.02
	}
	want := x.Copy()

	flat := refImageSameSize(6, 6, 1.0)

	sw := &CalSwitches{steps: map[string]StepStatus{StepFlat: Perform}}
	if err := DoFlat(info, x, Header{}, flat, nil, nil, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	for n := range x.Sci {
		if x.Sci[n] != want.Sci[n] {
			t.Fatalf("sci[%d] changed: %g -> %g", n, want.Sci[n], x.Sci[n])
		}
		if x.Err[n] != want.Err[n] {
			t.Fatalf("err[%d] changed", n)
		}
		if x.DQ[n] != want.DQ[n] {
			t.Fatalf("dq[%d] changed", n)
		}
	}
}

func TestDoFlatFoldsGain(t *testing.T) {
	info := ccdInfoForTest()
	info.MeanGain = 2.0

	x := filled(4, 4, 100, 0, 0)
	flat := refImageSameSize(4, 4, 1.0)

	sw := &CalSwitches{steps: map[string]StepStatus{StepFlat: Perform}}
	if err := DoFlat(info, x, Header{}, flat, nil, nil, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	// dividing by flat/gain multiplies by the gain: DN -> electrons
	if x.Pix(0, 0) != 200 {
		t.Errorf("pixel = %g, want 200 electrons", x.Pix(0, 0))
	}
}

func TestDoFlashSkipsZeroDuration(t *testing.T) {
	info := ccdInfoForTest()
	info.FlashDur = 0

	x := filled(4, 4, 100, 0, 0)
	flash := refImageSameSize(4, 4, 3)

	sw := &CalSwitches{steps: map[string]StepStatus{StepFlash: Perform}}
	if _, err := DoFlash(info, x, Header{}, flash, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	if x.Pix(0, 0) != 100 {
		t.Error("flash applied with zero duration")
	}
	if sw.Get(StepFlash) != Ignored {
		t.Errorf("switch = %v, want IGNORED", sw.Get(StepFlash))
	}
}

func TestDoFlashAbortedWarnsAndContinues(t *testing.T) {
	info := ccdInfoForTest()
	info.FlashDur = 10
	info.FlashStat = "ABORTED"
	info.AtoDGain = [NAmps]float64{1.0, 1.0, 1.0, 1.0}

	x := filled(4, 4, 100, 0, 0)
	flash := refImageSameSize(4, 4, 0.5)

	trl := &CaptureTrailer{}
	sw := &CalSwitches{steps: map[string]StepStatus{StepFlash: Perform}}
	if _, err := DoFlash(info, x, Header{}, flash, 1, sw, trl); err != nil {
		t.Fatal(err)
	}

	// 0.5 counts/sec * 10 sec / gain 1.0 = 5 subtracted
	if x.Pix(1, 1) != 95 {
		t.Errorf("pixel = %g, want 95", x.Pix(1, 1))
	}
	if len(trl.Lines) == 0 {
		t.Error("no warning for aborted flash")
	}
	if sw.Get(StepFlash) != Perform {
		t.Errorf("switch = %v, want PERFORM until the chip loop ends", sw.Get(StepFlash))
	}
}

func TestDoShad(t *testing.T) {
	info := ccdInfoForTest()
	info.ExpTime = 10
	info.NCombine = 1

	x := filled(4, 4, 110, 0, 0)
	shad := refImageSameSize(4, 4, 1.0) // one extra effective second

	sw := &CalSwitches{steps: map[string]StepStatus{StepShad: Perform}}
	if err := DoShad(info, x, Header{}, shad, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	// divide by (1 + 1/10) = 1.1
	if math.Abs(float64(x.Pix(2, 2))-100) > 1e-3 {
		t.Errorf("pixel = %g, want 100", x.Pix(2, 2))
	}
}
