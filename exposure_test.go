package ccd

import (
	"math"
	"testing"
	"time"
)

func TestMJDRoundTrip(t *testing.T) {
	// MJD 51544.0 is 2000-01-01T00:00Z
	got := MJDToTime(51544.0)
	want := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := got.Sub(want); d > time.Second || d < -time.Second {
		t.Errorf("MJDToTime(51544) = %v", got)
	}

	back := TimeToMJD(want)
	if math.Abs(back-51544.0) > 1e-6 {
		t.Errorf("TimeToMJD = %g", back)
	}
}

func TestNewExposureInfo(t *testing.T) {
	h := Header{
		"DETECTOR": "UVIS",
		"CCDCHIP":  2,
		"CCDAMP":   "CD",
		"CCDGAIN":  1.5,
		"BINAXIS1": 2,
		"BINAXIS2": 2,
		"EXPSTART": 56000.25,
		"EXPTIME":  900.0,
		"FLASHDUR": 2.0,
		"SUBARRAY": false,
	}

	info, err := NewExposureInfo(h)
	if err != nil {
		t.Fatal(err)
	}

	if info.Detector != DetectorCCD || info.Chip != 2 || info.CCDAmp != "CD" {
		t.Errorf("info = %+v", info)
	}
	if info.Bin != [2]int{2, 2} || info.FlashDur != 2.0 {
		t.Errorf("info = %+v", info)
	}
}

func TestNewExposureInfoRejectsBadAmps(t *testing.T) {
	h := Header{
		"DETECTOR": "UVIS",
		"CCDAMP":   "DA", // not in canonical order
		"CCDGAIN":  1.0,
		"EXPSTART": 56000.0,
		"EXPTIME":  1.0,
	}
	if _, err := NewExposureInfo(h); err == nil {
		t.Error("non-canonical amp string accepted")
	}
}

func TestNewExposureInfoRejectsBadBin(t *testing.T) {
	h := Header{
		"DETECTOR": "UVIS",
		"CCDAMP":   "A",
		"CCDGAIN":  1.0,
		"BINAXIS1": 4,
		"EXPSTART": 56000.0,
		"EXPTIME":  1.0,
	}
	if _, err := NewExposureInfo(h); err == nil {
		t.Error("bin factor 4 accepted")
	}
}
