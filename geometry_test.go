package ccd

import (
	"testing"
)

func fourAmpInfo() *ExposureInfo {
	info := &ExposureInfo{
		Detector: DetectorCCD,
		CCDAmp:   "ABCD",
		Bin:      [2]int{1, 1},
	}
	info.Trimx = [4]int{25, 30, 30, 30}
	info.Trimy = [2]int{0, 19}
	info.Ampx = 2072
	info.Ampy = 0
	return info
}

func TestAmpRegionsFourAmpTiling(t *testing.T) {
	info := fourAmpInfo()
	nx, ny := 4206, 2070

	// chip 2 is read through amps C and D
	regions, err := AmpRegions(info, nx, ny, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 {
		t.Fatalf("regions = %d, want 2", len(regions))
	}

	c := regions[0]
	d := regions[1]

	if c.Amp != 'C' || d.Amp != 'D' {
		t.Fatalf("amps = %c %c", c.Amp, d.Amp)
	}

	// amp C owns the low-x half up to the transition column
	if c.BegX != 25 || c.EndX != 2072+25 {
		t.Errorf("C x-range [%d,%d)", c.BegX, c.EndX)
	}
	// amp D starts past the serial virtual overscan
	if d.BegX != 25+2072+60 || d.EndX != nx-30 {
		t.Errorf("D x-range [%d,%d)", d.BegX, d.EndX)
	}

	// the two regions never overlap and the virtual overscan between
	// them is excluded from both
	if c.EndX > d.BegX {
		t.Error("amp regions overlap")
	}
	if d.BegX-c.EndX != 60 {
		t.Errorf("virtual overscan gap = %d, want 60", d.BegX-c.EndX)
	}

	for _, r := range regions {
		if r.EndX > nx || r.EndY > ny {
			t.Errorf("amp %c region extends past the image", r.Amp)
		}
	}
}

func TestAmpRegionsSingleAmpSubarray(t *testing.T) {
	info := &ExposureInfo{
		Detector: DetectorCCD,
		CCDAmp:   "A",
		Bin:      [2]int{1, 1},
		Subarray: true,
	}
	info.Trimx = [4]int{5, 0, 0, 0}

	regions, err := AmpRegions(info, 512, 512, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 1 {
		t.Fatalf("regions = %d", len(regions))
	}

	r := regions[0]
	if r.BegX != 5 || r.EndX != 512 || r.BegY != 0 || r.EndY != 512 {
		t.Errorf("region [%d,%d)x[%d,%d)", r.BegX, r.EndX, r.BegY, r.EndY)
	}
}

func TestChipAmps(t *testing.T) {
	if got := ChipAmps("ABCD", 1); got != "AB" {
		t.Errorf("chip 1 amps = %q", got)
	}
	if got := ChipAmps("ABCD", 2); got != "CD" {
		t.Errorf("chip 2 amps = %q", got)
	}
	// single-amp subarray: the lone amp serves whichever chip
	if got := ChipAmps("C", 1); got != "C" {
		t.Errorf("single amp = %q", got)
	}
}

func TestBiasSectionsFallbackLadder(t *testing.T) {
	info := &ExposureInfo{CCDAmp: "A"}
	r := AmpRegion{Amp: 'A', XHalf: 0}

	// both virtual sections present, single amp: both are used
	info.BiasSectC = [2]int{10, 14}
	info.BiasSectD = [2]int{20, 24}
	sect, ok := BiasSections(info, r, 1)
	if !ok || sect != [4]int{10, 14, 20, 24} {
		t.Errorf("sect = %v", sect)
	}

	// two amps: only the nearer section
	sect, ok = BiasSections(info, r, 2)
	if !ok || sect != [4]int{10, 14, 0, 0} {
		t.Errorf("sect = %v", sect)
	}

	// no virtual sections: physical overscan
	info.BiasSectC = [2]int{0, 0}
	info.BiasSectD = [2]int{0, 0}
	info.BiasSectA = [2]int{0, 4}
	sect, ok = BiasSections(info, r, 1)
	if !ok || sect != [4]int{0, 4, 0, 0} {
		t.Errorf("sect = %v", sect)
	}

	// nothing at all
	info.BiasSectA = [2]int{0, 0}
	if _, ok = BiasSections(info, r, 1); ok {
		t.Error("empty geometry reported usable")
	}
}

func TestSelectBias(t *testing.T) {
	info := &ExposureInfo{Detector: DetectorCCD, CCDAmp: "ABCD"}
	if got := SelectBias(info, 1); got != 0 {
		t.Errorf("chip 1 bias index = %d", got)
	}
	if got := SelectBias(info, 2); got != 2 {
		t.Errorf("chip 2 bias index = %d", got)
	}
	info.CCDAmp = "D"
	if got := SelectBias(info, 1); got != 3 {
		t.Errorf("single amp D bias index = %d", got)
	}
}
