package ccd

import (
	"errors"
	"fmt"
	"strings"
)

// photfnuScale converts inverse sensitivity and pivot wavelength into the
// frequency-space inverse sensitivity: PHOTFNU = scale * PHOTFLAM * PHOTPLAM^2.
const photfnuScale = 3.33564e+4

// Phot2Obs converts a PHOTMODE string (upper-case, blank separated) into
// the obsmode form used to key the photometry table (lower-case, comma
// separated).
func Phot2Obs(photmode string) string {
	fields := strings.Fields(photmode)
	return strings.ToLower(strings.Join(fields, ","))
}

// PhotValues is one resolved row of the photometry table.
type PhotValues struct {
	PhotFlam float64
	PhotZpt  float64
	PhotPlam float64
	PhotBW   float64
	PhtFlam1 float64
	PhtFlam2 float64
}

// GetPhotTab looks up the photometry values for an observation mode.
func GetPhotTab(tab *RefTable, obsmode string) (PhotValues, error) {
	var vals PhotValues

	if !tab.HasColumn("OBSMODE") {
		return vals, errors.Join(ErrColumnNotFound,
			fmt.Errorf("Error column OBSMODE of %s", tab.Name))
	}

	row, err := tab.MatchOne([]Criterion{{Column: "OBSMODE", Str: obsmode, Kind: 's'}})
	if err != nil {
		return vals, errors.Join(err, fmt.Errorf("Error obsmode %q not found in %s", obsmode, tab.Name))
	}

	if vals.PhotFlam, err = tab.FloatAt("PHOTFLAM", row); err != nil {
		return vals, err
	}
	if vals.PhotZpt, err = tab.FloatAt("PHOTZPT", row); err != nil {
		return vals, err
	}
	if vals.PhotPlam, err = tab.FloatAt("PHOTPLAM", row); err != nil {
		return vals, err
	}
	if vals.PhotBW, err = tab.FloatAt("PHOTBW", row); err != nil {
		return vals, err
	}
	// the per-chip scalings are optional; tables for single-chip
	// detectors do not carry them
	if tab.HasColumn("PHTFLAM1") {
		if vals.PhtFlam1, err = tab.FloatAt("PHTFLAM1", row); err != nil {
			return vals, err
		}
	}
	if tab.HasColumn("PHTFLAM2") {
		if vals.PhtFlam2, err = tab.FloatAt("PHTFLAM2", row); err != nil {
			return vals, err
		}
	}

	return vals, nil
}

// DoPhot materialises the photometric calibration keywords for one chip
// from the photometry table row matching the observation mode.
func DoPhot(info *ExposureInfo, scihdr, primary Header, phot *RefTable, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepPhot) != Perform {
		return nil
	}
	if phot == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error IMPHTTAB missing"))
	}
	if DummyPedigree(phot.Pedigree) {
		return sw.Set(StepPhot, Dummy)
	}

	photmode, err := GetKey(scihdr, "PHOTMODE", "", false)
	if err != nil {
		return err
	}
	obsmode := Phot2Obs(photmode)
	trl.Message(fmt.Sprintf("Created obsmode of: %s", obsmode))

	vals, err := GetPhotTab(phot, obsmode)
	if err != nil {
		return err
	}

	PutKey(scihdr, "PHOTFLAM", vals.PhotFlam)
	PutKey(scihdr, "PHOTZPT", vals.PhotZpt)
	PutKey(scihdr, "PHOTPLAM", vals.PhotPlam)
	PutKey(scihdr, "PHOTBW", vals.PhotBW)

	photfnu := photfnuScale * vals.PhotFlam * vals.PhotPlam * vals.PhotPlam
	PutKey(scihdr, "PHOTFNU", photfnu)

	// only the chip being processed updates its own scaling keyword
	if chip == 1 {
		PutKey(scihdr, "PHTFLAM1", vals.PhtFlam1)
		PutKey(primary, "PHTFLAM1", vals.PhtFlam1)
	}
	if chip == 2 {
		PutKey(scihdr, "PHTFLAM2", vals.PhtFlam2)
		PutKey(primary, "PHTFLAM2", vals.PhtFlam2)
	}

	// the switch completes once every chip has been through; the caller
	// owns that transition
	return nil
}

// DoFlux equalises the flux scaling of the two chips: chip 2 is
// multiplied by PHTRATIO = PHTFLAM1 / PHTFLAM2 so one inverse sensitivity
// serves the whole detector.
func DoFlux(x *ImageTriplet, primary Header, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepFlux) != Perform {
		return nil
	}

	phtflam1, err := GetKey(primary, "PHTFLAM1", 0.0, true)
	if err != nil {
		return err
	}
	phtflam2, err := GetKey(primary, "PHTFLAM2", 0.0, true)
	if err != nil {
		return err
	}
	if phtflam2 == 0 {
		return errors.Join(ErrReturn, errors.New("Error PHTFLAM2 is zero"))
	}

	ratio := phtflam1 / phtflam2
	PutKey(primary, "PHTRATIO", ratio)

	if chip == 2 {
		ScaleByConstant(x, float32(ratio))
		trl.Message(fmt.Sprintf("FLUXCORR applied PHTRATIO = %g to chip 2", ratio))
	}

	return nil
}
