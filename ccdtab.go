package ccd

import (
	"errors"
	"fmt"
	"strings"
)

// GetCCDTab fills the per-amp calibration constants of the exposure from
// the CCD parameters table: calibrated gains, readnoise, default bias
// levels, the amp transition point and the scalar saturation threshold.
// The row is selected on amp, chip, gain, binning and the commanded bias
// offsets. The mean gain averages the gains of all four amps; amps not in
// use keep zero in the per-amp slots.
func GetCCDTab(info *ExposureInfo, tab *RefTable) error {
	if tab == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error CCDTAB missing"))
	}
	if err := CheckFileType(tab.FileType, "CCD PARAMETERS", tab.Name); err != nil {
		return err
	}

	required := []string{
		"CCDAMP", "CCDCHIP", "CCDGAIN", "BINAXIS1", "BINAXIS2",
		"CCDOFSTA", "CCDOFSTB", "CCDOFSTC", "CCDOFSTD",
		"CCDBIASA", "CCDBIASB", "CCDBIASC", "CCDBIASD",
		"ATODGNA", "ATODGNB", "ATODGNC", "ATODGND",
		"READNSEA", "READNSEB", "READNSEC", "READNSED",
		"AMPX", "AMPY", "SATURATE",
	}
	var missing []string
	for _, col := range required {
		if !tab.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return errors.Join(ErrColumnNotFound,
			fmt.Errorf("Error columns missing from CCDTAB %s: %s", tab.Name, strings.Join(missing, ", ")))
	}

	criteria := []Criterion{
		{Column: "CCDAMP", Str: info.CCDAmp, Kind: 's'},
		{Column: "CCDCHIP", Int: info.Chip, Kind: 'i'},
		{Column: "CCDGAIN", Float: info.CCDGain, Kind: 'f'},
		{Column: "BINAXIS1", Int: info.Bin[0], Kind: 'i'},
		{Column: "BINAXIS2", Int: info.Bin[1], Kind: 'i'},
		{Column: "CCDOFSTA", Int: info.CCDOffset[0], Kind: 'i'},
		{Column: "CCDOFSTB", Int: info.CCDOffset[1], Kind: 'i'},
		{Column: "CCDOFSTC", Int: info.CCDOffset[2], Kind: 'i'},
		{Column: "CCDOFSTD", Int: info.CCDOffset[3], Kind: 'i'},
	}
	row, err := tab.MatchOne(criteria)
	if err != nil {
		return errors.Join(err,
			fmt.Errorf("Error no matching CCDTAB row for amp=%s chip=%d gain=%g bin=%dx%d",
				info.CCDAmp, info.Chip, info.CCDGain, info.Bin[0], info.Bin[1]))
	}

	for k := 0; k < NAmps; k++ {
		letter := string(AmpOrder[k])
		gain, err := tab.FloatAt("ATODGN"+letter, row)
		if err != nil {
			return err
		}
		rn, err := tab.FloatAt("READNSE"+letter, row)
		if err != nil {
			return err
		}
		bias, err := tab.FloatAt("CCDBIAS"+letter, row)
		if err != nil {
			return err
		}

		info.MeanGain += gain / float64(NAmps)
		if strings.Contains(info.CCDAmp, letter) {
			info.AtoDGain[k] = gain
			info.ReadNoise[k] = rn
		}
		info.CCDBias[k] = bias
	}

	if info.Ampx, err = tab.IntAt("AMPX", row); err != nil {
		return err
	}
	if info.Ampy, err = tab.IntAt("AMPY", row); err != nil {
		return err
	}
	if info.Saturate, err = tab.FloatAt("SATURATE", row); err != nil {
		return err
	}

	return nil
}

// GetOscnTab fills the overscan geometry from the overscan regions table,
// selected on amp, chip and binning. All widths in the table already
// account for the binning factor of the matching row.
func GetOscnTab(info *ExposureInfo, tab *RefTable) error {
	if tab == nil {
		return errors.Join(ErrCalFileMissing, errors.New("Error OSCNTAB missing"))
	}

	criteria := []Criterion{
		{Column: "CCDAMP", Str: info.CCDAmp, Kind: 's'},
		{Column: "CCDCHIP", Int: info.Chip, Kind: 'i'},
		{Column: "BINX", Int: info.Bin[0], Kind: 'i'},
		{Column: "BINY", Int: info.Bin[1], Kind: 'i'},
	}
	row, err := tab.MatchOne(criteria)
	if err != nil {
		return errors.Join(err,
			fmt.Errorf("Error no matching OSCNTAB row for amp=%s chip=%d bin=%dx%d",
				info.CCDAmp, info.Chip, info.Bin[0], info.Bin[1]))
	}

	ints := func(name string) (int, error) { return tab.IntAt(name, row) }

	if info.Trimx[0], err = ints("TRIMX1"); err != nil {
		return err
	}
	if info.Trimx[1], err = ints("TRIMX2"); err != nil {
		return err
	}
	// the serial-virtual trims are optional; older tables stop at two
	if tab.HasColumn("TRIMX3") {
		if info.Trimx[2], err = ints("TRIMX3"); err != nil {
			return err
		}
		if info.Trimx[3], err = ints("TRIMX4"); err != nil {
			return err
		}
	}
	if info.Trimy[0], err = ints("TRIMY1"); err != nil {
		return err
	}
	if info.Trimy[1], err = ints("TRIMY2"); err != nil {
		return err
	}

	pairs := []struct {
		col string
		dst *[2]int
	}{
		{"BIASSECTA1", &info.BiasSectA}, {"BIASSECTB1", &info.BiasSectB},
		{"BIASSECTC1", &info.BiasSectC}, {"BIASSECTD1", &info.BiasSectD},
	}
	for _, p := range pairs {
		base := strings.TrimSuffix(p.col, "1")
		if !tab.HasColumn(base + "1") {
			continue
		}
		if p.dst[0], err = ints(base + "1"); err != nil {
			return err
		}
		if p.dst[1], err = ints(base + "2"); err != nil {
			return err
		}
	}

	for k := 0; k < 4; k++ {
		vxcol := fmt.Sprintf("VX%d", k+1)
		vycol := fmt.Sprintf("VY%d", k+1)
		if tab.HasColumn(vxcol) {
			if info.Vx[k], err = ints(vxcol); err != nil {
				return err
			}
		}
		if tab.HasColumn(vycol) {
			if info.Vy[k], err = ints(vycol); err != nil {
				return err
			}
		}
	}

	return nil
}
