package ccd

import (
	"math"
	"testing"
)

func scalarIntCol(vals ...int) *Column {
	c := &Column{}
	for _, v := range vals {
		c.Ints = append(c.Ints, []int{v})
	}
	return c
}

func scalarFloatCol(vals ...float64) *Column {
	c := &Column{}
	for _, v := range vals {
		c.Floats = append(c.Floats, []float64{v})
	}
	return c
}

// ccdTabForTest builds a one-row CCD parameters table matching a
// single-amp gain 1.5 readout.
func ccdTabForTest() *RefTable {
	cols := map[string]*Column{
		"CCDAMP":   {Strings: []string{"A"}},
		"CCDCHIP":  scalarIntCol(IntWildcard),
		"CCDGAIN":  scalarFloatCol(1.5),
		"BINAXIS1": scalarIntCol(1),
		"BINAXIS2": scalarIntCol(1),
		"AMPX":     scalarIntCol(0),
		"AMPY":     scalarIntCol(0),
		"SATURATE": scalarFloatCol(65000),
	}
	for _, amp := range []string{"A", "B", "C", "D"} {
		cols["CCDOFST"+amp] = scalarIntCol(IntWildcard)
		cols["CCDBIAS"+amp] = scalarFloatCol(3000)
		cols["ATODGN"+amp] = scalarFloatCol(1.5)
		cols["READNSE"+amp] = scalarFloatCol(3.0)
	}
	return &RefTable{
		Name:     "test_ccd.json",
		FileType: "CCD PARAMETERS",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		NRows:    1,
		Columns:  cols,
	}
}

func oscnTabForTest() *RefTable {
	return &RefTable{
		Name:     "test_osc.json",
		FileType: "OVERSCAN",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		NRows:    1,
		Columns: map[string]*Column{
			"CCDAMP":     {Strings: []string{"A"}},
			"CCDCHIP":    scalarIntCol(IntWildcard),
			"BINX":       scalarIntCol(1),
			"BINY":       scalarIntCol(1),
			"TRIMX1":     scalarIntCol(5),
			"TRIMX2":     scalarIntCol(0),
			"TRIMY1":     scalarIntCol(0),
			"TRIMY2":     scalarIntCol(0),
			"BIASSECTA1": scalarIntCol(0),
			"BIASSECTA2": scalarIntCol(4),
			"BIASSECTB1": scalarIntCol(0),
			"BIASSECTB2": scalarIntCol(0),
			"BIASSECTC1": scalarIntCol(0),
			"BIASSECTC2": scalarIntCol(0),
			"BIASSECTD1": scalarIntCol(0),
			"BIASSECTD2": scalarIntCol(0),
			"VX1":        scalarIntCol(0),
			"VX2":        scalarIntCol(0),
			"VX3":        scalarIntCol(0),
			"VX4":        scalarIntCol(0),
			"VY1":        scalarIntCol(0),
			"VY2":        scalarIntCol(0),
			"VY3":        scalarIntCol(0),
			"VY4":        scalarIntCol(0),
		},
	}
}

// TestCalibrateCCDBiasExposure runs the overscan and bias-image steps on
// a uniform bias frame: every science pixel should land at zero within
// the readnoise, MEANBLEV should report the overscan level, and no DQ
// flags should be raised.
func TestCalibrateCCDBiasExposure(t *testing.T) {
	primary := Header{
		"DETECTOR": "UVIS",
		"CCDCHIP":  1,
		"CCDAMP":   "A",
		"CCDGAIN":  1.5,
		"EXPSTART": 56000.0,
		"EXPTIME":  0.0,
		StepBlev:   "PERFORM",
		StepBias:   "PERFORM",
	}

	chip := filled(40, 20, 3100, 0, 0)
	exp := &Exposure{
		Primary:     primary,
		Chips:       []*ImageTriplet{chip},
		ChipHeaders: []Header{{"CCDCHIP": 1}},
	}

	var err error
	if exp.Info, err = NewExposureInfo(primary); err != nil {
		t.Fatal(err)
	}

	bias := &RefImage{
		Name:     "test_bia.ccd",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		Chips:    []*ImageTriplet{NewImageTriplet(40, 20)},
	}

	refs := &RefSet{CCD: ccdTabForTest(), Oscn: oscnTabForTest(), Bias: bias}

	sw, err := NewCCDSwitches(primary)
	if err != nil {
		t.Fatal(err)
	}

	if err := CalibrateCCD(exp, refs, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}

	rn := 3.0 / 1.5
	for j := 0; j < 20; j++ {
		for i := 5; i < 40; i++ {
			if math.Abs(float64(chip.Pix(i, j))) > rn {
				t.Fatalf("science pixel (%d,%d) = %g after bias calibration", i, j, chip.Pix(i, j))
			}
			if chip.DQPix(i, j) != 0 {
				t.Fatalf("dq(%d,%d) = %d", i, j, chip.DQPix(i, j))
			}
		}
	}

	meanblev, ok := exp.ChipHeaders[0]["MEANBLEV"].(float64)
	if !ok || math.Abs(meanblev-3100) > 1 {
		t.Errorf("MEANBLEV = %v, want about 3100", exp.ChipHeaders[0]["MEANBLEV"])
	}

	if primary[StepBlev] != "COMPLETE" || primary[StepBias] != "COMPLETE" {
		t.Errorf("switch writeback: BLEV=%v BIAS=%v", primary[StepBlev], primary[StepBias])
	}

	// per-amp keyword materialisation
	if primary["ATODGNA"] != 1.5 {
		t.Errorf("ATODGNA = %v", primary["ATODGNA"])
	}

	// with no SATUFILE in the reference set the scalar threshold is the
	// saturation fall-back
	if !exp.Info.ScalarSatFlag {
		t.Error("ScalarSatFlag not set without a saturation image")
	}
}

// TestCalibrateCCDScalarSatFlagWiring pins the scalar-saturation flag to
// the availability of the saturation image: present and live means the
// image owns the science area and the scalar only covers overscan.
func TestCalibrateCCDScalarSatFlagWiring(t *testing.T) {
	build := func() (*Exposure, *CalSwitches) {
		primary := Header{
			"DETECTOR": "UVIS",
			"CCDCHIP":  1,
			"CCDAMP":   "A",
			"CCDGAIN":  1.5,
			"EXPSTART": 56000.0,
			"EXPTIME":  10.0,
			StepSat:    "PERFORM",
		}
		exp := &Exposure{
			Primary:     primary,
			Chips:       []*ImageTriplet{filled(40, 20, 100, 0, 0)},
			ChipHeaders: []Header{{"CCDCHIP": 1}},
		}
		info, err := NewExposureInfo(primary)
		if err != nil {
			t.Fatal(err)
		}
		exp.Info = info
		sw, err := NewCCDSwitches(primary)
		if err != nil {
			t.Fatal(err)
		}
		return exp, sw
	}

	satmap := &RefImage{
		Name:     "test_sat.ccd",
		Pedigree: "INFLIGHT",
		Header:   Header{},
		Chips:    []*ImageTriplet{filled(40, 20, 60000, 0, 0)},
	}

	exp, sw := build()
	refs := &RefSet{CCD: ccdTabForTest(), Oscn: oscnTabForTest(), SatMap: satmap}
	if err := CalibrateCCD(exp, refs, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}
	if exp.Info.ScalarSatFlag {
		t.Error("ScalarSatFlag set although a live saturation image is in use")
	}

	// a dummy saturation image degrades to the scalar fall-back
	dummy := &RefImage{Name: satmap.Name, Pedigree: "DUMMY", Header: Header{}, Chips: satmap.Chips}
	exp, sw = build()
	refs = &RefSet{CCD: ccdTabForTest(), Oscn: oscnTabForTest(), SatMap: dummy}
	if err := CalibrateCCD(exp, refs, sw, &CaptureTrailer{}); err != nil {
		t.Fatal(err)
	}
	if !exp.Info.ScalarSatFlag {
		t.Error("ScalarSatFlag not set for a dummy saturation image")
	}
}

func TestCalibrateCCDNothingToDo(t *testing.T) {
	primary := Header{
		"DETECTOR": "UVIS",
		"CCDAMP":   "A",
		"CCDGAIN":  1.5,
		"EXPSTART": 56000.0,
		"EXPTIME":  10.0,
	}

	exp := &Exposure{
		Primary:     primary,
		Chips:       []*ImageTriplet{NewImageTriplet(4, 4)},
		ChipHeaders: []Header{{}},
	}
	var err error
	if exp.Info, err = NewExposureInfo(primary); err != nil {
		t.Fatal(err)
	}

	sw, err := NewCCDSwitches(primary)
	if err != nil {
		t.Fatal(err)
	}

	err = CalibrateCCD(exp, &RefSet{}, sw, &CaptureTrailer{})
	if StatusCode(err) != ExitNothingToDo {
		t.Errorf("status = %d, want %d", StatusCode(err), ExitNothingToDo)
	}
}
