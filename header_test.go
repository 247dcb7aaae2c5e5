package ccd

import (
	"testing"
)

func TestGetKeyTypedFetch(t *testing.T) {
	h := Header{"CCDGAIN": 1.5, "NSAMP": 16, "CCDAMP": "ABCD", "SUBARRAY": false}

	gain, err := GetKey(h, "CCDGAIN", 0.0, true)
	if err != nil || gain != 1.5 {
		t.Errorf("gain = %g, err = %v", gain, err)
	}
	nsamp, err := GetKey(h, "NSAMP", 0, true)
	if err != nil || nsamp != 16 {
		t.Errorf("nsamp = %d, err = %v", nsamp, err)
	}
	amp, err := GetKey(h, "CCDAMP", "", true)
	if err != nil || amp != "ABCD" {
		t.Errorf("amp = %q, err = %v", amp, err)
	}
}

func TestGetKeyDefaults(t *testing.T) {
	h := Header{}

	val, err := GetKey(h, "FLASHDUR", 2.5, false)
	if err != nil || val != 2.5 {
		t.Errorf("default = %g, err = %v", val, err)
	}

	_, err = GetKey(h, "EXPSTART", 0.0, true)
	if StatusCode(err) != ExitKeywordMissing {
		t.Errorf("status = %d, want %d", StatusCode(err), ExitKeywordMissing)
	}
}

func TestGetKeyNumericWidening(t *testing.T) {
	// JSON-decoded headers hold float64 for integer keywords and ints
	// can be consumed as floats
	h := Header{"NSAMP": 16.0, "CCDCHIP": 2}

	nsamp, err := GetKey(h, "NSAMP", 0, false)
	if err != nil || nsamp != 16 {
		t.Errorf("nsamp = %d, err = %v", nsamp, err)
	}
	chip, err := GetKey(h, "CCDCHIP", 0.0, false)
	if err != nil || chip != 2.0 {
		t.Errorf("chip = %g, err = %v", chip, err)
	}
}

func TestGetLinearMapBinned(t *testing.T) {
	h := Header{"LTM1_1": 0.5, "LTM2_2": 0.5, "LTV1": 0.0, "LTV2": 0.0}
	lm, err := GetLinearMap(h)
	if err != nil {
		t.Fatal(err)
	}
	if lm.M[0] != 0.5 || lm.V[0] != -0.5 {
		t.Errorf("map = %+v", lm)
	}
}

func TestParseStepStatus(t *testing.T) {
	for spelling, want := range map[string]StepStatus{
		"PERFORM":  Perform,
		"perform":  Perform,
		"COMPLETE": Complete,
		"SKIPPED":  Skipped,
		"OMIT":     Omit,
		"":         Omit,
	} {
		got, err := ParseStepStatus(spelling)
		if err != nil || got != want {
			t.Errorf("ParseStepStatus(%q) = %v, %v", spelling, got, err)
		}
	}
	if _, err := ParseStepStatus("MAYBE"); err == nil {
		t.Error("bad switch value accepted")
	}
}

func TestCalSwitchesTransitions(t *testing.T) {
	h := Header{StepDark: "PERFORM", StepFlat: "COMPLETE", StepBias: "OMIT"}
	sw, err := NewCalSwitches(h, []string{StepDark, StepFlat, StepBias})
	if err != nil {
		t.Fatal(err)
	}

	if !sw.AnyEnabled() {
		t.Error("AnyEnabled false with a PERFORM step")
	}

	if err := sw.Set(StepDark, Complete); err != nil {
		t.Error(err)
	}
	// a COMPLETE step cannot regress
	if err := sw.Set(StepFlat, Perform); err == nil {
		t.Error("COMPLETE step allowed to regress")
	}

	sw.Writeback(h)
	if h[StepDark] != "COMPLETE" {
		t.Errorf("DARKCORR writeback = %v", h[StepDark])
	}
}

func TestCalSwitchesNothingEnabled(t *testing.T) {
	sw, err := NewCalSwitches(Header{}, []string{StepDark})
	if err != nil {
		t.Fatal(err)
	}
	if sw.AnyEnabled() {
		t.Error("AnyEnabled true with everything OMIT")
	}
}

func TestCompleteStepIsSelfGuarding(t *testing.T) {
	info := ccdInfoForTest()
	x := filled(4, 4, 123, 1, 3)
	want := x.Copy()

	sw := &CalSwitches{steps: map[string]StepStatus{StepDark: Complete}}
	if _, err := DoDark(info, x, Header{}, nil, 1, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	for n := range x.Sci {
		if x.Sci[n] != want.Sci[n] || x.Err[n] != want.Err[n] || x.DQ[n] != want.DQ[n] {
			t.Fatal("COMPLETE step modified the image")
		}
	}
}
