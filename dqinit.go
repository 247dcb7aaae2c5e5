package ccd

import (
	"errors"
	"fmt"
	"math"
)

const firstLastTolerance = 0.01

// BadPixRow is one row of the bad-pixel table after loading: the start
// pixel has already been decremented to zero-indexing.
type BadPixRow struct {
	XStart int
	YStart int
	Length int
	Axis   int
	Flag   uint16

	CCDAmp  string
	CCDGain float64
	CCDChip int
}

// LoadBpixTab pulls the rows of a bad-pixel table into memory. The
// selection columns are optional; absent ones behave as wildcards.
func LoadBpixTab(tab *RefTable) ([]BadPixRow, int, int, error) {
	for _, col := range []string{"PIX1", "PIX2", "LENGTH", "AXIS", "VALUE"} {
		if !tab.HasColumn(col) {
			return nil, 0, 0, errors.Join(ErrColumnNotFound,
				fmt.Errorf("Error column %s not found in BPIXTAB %s", col, tab.Name))
		}
	}

	axlen1, err := GetKey(tab.Header, "SIZAXIS1", 0, true)
	if err != nil {
		return nil, 0, 0, errors.Join(ErrTableError, err)
	}
	axlen2, err := GetKey(tab.Header, "SIZAXIS2", 0, true)
	if err != nil {
		return nil, 0, 0, errors.Join(ErrTableError, err)
	}

	rows := make([]BadPixRow, 0, tab.NRows)
	for r := 0; r < tab.NRows; r++ {
		var row BadPixRow

		if row.XStart, err = tab.IntAt("PIX1", r); err != nil {
			return nil, 0, 0, err
		}
		row.XStart--
		if row.YStart, err = tab.IntAt("PIX2", r); err != nil {
			return nil, 0, 0, err
		}
		row.YStart--
		if row.Length, err = tab.IntAt("LENGTH", r); err != nil {
			return nil, 0, 0, err
		}
		if row.Axis, err = tab.IntAt("AXIS", r); err != nil {
			return nil, 0, 0, err
		}
		flag, err := tab.IntAt("VALUE", r)
		if err != nil {
			return nil, 0, 0, err
		}
		row.Flag = uint16(flag)

		if tab.HasColumn("CCDAMP") {
			if row.CCDAmp, err = tab.StringAt("CCDAMP", r); err != nil {
				return nil, 0, 0, err
			}
		} else {
			row.CCDAmp = StrWildcard
		}
		if tab.HasColumn("CCDGAIN") {
			if row.CCDGain, err = tab.FloatAt("CCDGAIN", r); err != nil {
				return nil, 0, 0, err
			}
		} else {
			row.CCDGain = FloatWildcard
		}
		if tab.HasColumn("CCDCHIP") {
			if row.CCDChip, err = tab.IntAt("CCDCHIP", r); err != nil {
				return nil, 0, 0, err
			}
		} else {
			row.CCDChip = IntWildcard
		}

		if row.Axis != 1 && row.Axis != 2 {
			return nil, 0, 0, errors.Join(ErrTableError,
				fmt.Errorf("Error axis = %d in BPIXTAB, but it must be 1 or 2", row.Axis))
		}
		if row.Length <= 0 {
			return nil, 0, 0, errors.Join(ErrTableError,
				fmt.Errorf("Error length = %d in BPIXTAB, but it must be positive", row.Length))
		}

		rows = append(rows, row)
	}

	return rows, axlen1, axlen2, nil
}

// dqiNormal ORs the flag value of one table row into a run of pixels of
// the DQ plane. Pixels falling outside the image are silently skipped and
// runs partially inside are clipped.
func dqiNormal(dq *ImageTriplet, ltv [2]float64, row BadPixRow) {
	xstart := row.XStart + int(ltv[0])
	ystart := row.YStart + int(ltv[1])

	if row.Axis == 1 {
		xlow := xstart
		xhigh := xstart + row.Length - 1
		if xhigh < 0 || xlow >= dq.Nx || ystart < 0 || ystart >= dq.Ny {
			return
		}
		if xlow < 0 {
			xlow = 0
		}
		if xhigh >= dq.Nx {
			xhigh = dq.Nx - 1
		}
		for i := xlow; i <= xhigh; i++ {
			dq.OrDQPix(i, ystart, row.Flag)
		}
		return
	}

	ylow := ystart
	yhigh := ystart + row.Length - 1
	if yhigh < 0 || ylow >= dq.Ny || xstart < 0 || xstart >= dq.Nx {
		return
	}
	if ylow < 0 {
		ylow = 0
	}
	if yhigh >= dq.Ny {
		yhigh = dq.Ny - 1
	}
	for j := ylow; j <= yhigh; j++ {
		dq.OrDQPix(xstart, j, row.Flag)
	}
}

// toRawCoords shifts a table row's X coordinate past the serial virtual
// overscan columns that sit in the middle of a four-amp raw readout. One
// and two amp modes keep the virtual columns at the image ends, already
// absorbed into the LTV values.
func toRawCoords(info *ExposureInfo, ltm [2]float64, row *BadPixRow) {
	if info.CCDAmp != "ABCD" {
		return
	}

	rbin := nint(1.0 / ltm[0])
	if row.XStart >= info.Ampx*rbin {
		row.XStart += (info.Trimx[2] + info.Trimx[3]) * rbin
		if rbin == 2 {
			// binned-by-2 raw images carry a smaller trim
			row.XStart += 2
		}
	}
}

// firstLast locates the overlap between a reference-sized scratch array
// and the (binned) image: the corners of the fully covered region in
// image coordinates and the matching lower-left corner in scratch
// coordinates.
func firstLast(ltm, ltv [2]float64, snpix, npix [2]int) (rbin, first, last, sfirst [2]int) {
	rbin[0] = nint(1.0 / ltm[0])
	rbin[1] = nint(1.0 / ltm[1])

	for k := 0; k < 2; k++ {
		for i := 0; i < npix[k]; i++ {
			scr := (float64(i) - 0.5 - ltv[k]) / ltm[k]
			if scr+firstLastTolerance >= -0.5 {
				first[k] = i
				sfirst[k] = nint(scr + 0.5)
				break
			}
		}
		for i := npix[k] - 1; i > 0; i-- {
			scr := (float64(i) + 0.5 - ltv[k]) / ltm[k]
			if scr-firstLastTolerance <= float64(snpix[k])-0.5 {
				last[k] = i
				break
			}
		}
	}
	return rbin, first, last, sfirst
}

func nint(v float64) int {
	return int(math.Round(v))
}

// DoDQI initialises the data quality plane: A/D and full-well saturation
// thresholds for the CCD, then the bad-pixel table rows selected for this
// exposure. Binned images route the table through a reference-sized
// scratch plane whose blocks are OR-folded down onto the image.
//
// Full-well flagging comes in two complementary forms keyed on the
// scalar-saturation flag. With no usable saturation image the scalar
// threshold is the fall-back and flags the whole readout, overscan
// included. When the saturation image is in use it only ever covers the
// science area, so the overscan regions still get the scalar threshold
// here.
func DoDQI(info *ExposureInfo, x *ImageTriplet, hdr Header, bpix *RefTable, chip int, sw *CalSwitches, trl Trailer) error {

	if sw.Get(StepDQI) != Perform && sw.Get(StepDQI) != Dummy {
		return nil
	}

	// saturation thresholds still apply when the table itself is dummy
	if info.Detector != DetectorIR {
		for n, v := range x.Sci {
			if float64(v) > AtoDSaturate {
				x.DQ[n] |= AtoDSat
			}
		}

		if info.ScalarSatFlag {
			trl.Message("Full-well saturation flagging applied during DQICORR using a single threshold value.")
			for n, v := range x.Sci {
				if float64(v) > info.Saturate || float64(v) > AtoDSaturate {
					x.DQ[n] |= SatPixel
				}
			}
		} else if err := flagOverscanSaturation(info, x, chip); err != nil {
			return err
		}
	}

	lm, err := GetLinearMap(hdr)
	if err != nil {
		return err
	}

	if bpix == nil || sw.Get(StepDQI) != Perform {
		return nil
	}
	if DummyPedigree(bpix.Pedigree) {
		return sw.Set(StepDQI, Dummy)
	}

	rows, axlen1, axlen2, err := LoadBpixTab(bpix)
	if err != nil {
		return err
	}

	inPlace := info.Bin[0] == 1 && info.Bin[1] == 1

	var scratch *ImageTriplet
	if !inPlace {
		scratch = NewImageTriplet(axlen1, axlen2)
	}

	nrows := 0
	for _, row := range rows {
		if !SameString(row.CCDAmp, info.CCDAmp) {
			continue
		}
		if !SameFlt(row.CCDGain, info.CCDGain) {
			continue
		}
		if !SameInt(row.CCDChip, info.Chip) {
			continue
		}

		toRawCoords(info, lm.M, &row)

		if inPlace {
			dqiNormal(x, lm.V, row)
		} else {
			dqiNormal(scratch, [2]float64{0, 0}, row)
		}
		nrows++
	}

	if nrows == 0 {
		trl.Warn("No rows from BPIXTAB applied to DQ array.")
	}

	if !inPlace {
		snpix := [2]int{axlen1, axlen2}
		npix := [2]int{x.Nx, x.Ny}
		rbin, first, last, sfirst := firstLast(lm.M, lm.V, snpix, npix)

		j0 := sfirst[1]
		for n := first[1]; n <= last[1]; n++ {
			i0 := sfirst[0]
			for m := first[0]; m <= last[0]; m++ {
				sum := x.DQPix(m, n)
				for j := j0; j < minInt(j0+rbin[1], scratch.Ny); j++ {
					for i := i0; i < minInt(i0+rbin[0], scratch.Nx); i++ {
						if i >= 0 && j >= 0 {
							sum |= scratch.DQPix(i, j)
						}
					}
				}
				x.SetDQPix(m, n, sum)
				i0 += rbin[0]
			}
			j0 += rbin[1]
		}
	}

	return nil
}

// flagOverscanSaturation applies the scalar full-well threshold to the
// overscan regions only. The saturation-image step never touches those
// pixels, so they are flagged here with the scalar even when the image
// covers the science area.
func flagOverscanSaturation(info *ExposureInfo, x *ImageTriplet, chip int) error {
	if info.Trimx[0] <= 0 && info.Trimx[1] <= 0 {
		// no overscan in this readout mode
		return nil
	}

	above := func(v float32) bool {
		return float64(v) > info.Saturate || float64(v) > AtoDSaturate
	}

	// subarrays carry at most one pair of serial physical overscan
	// columns at the image edges
	if info.Subarray {
		for j := 0; j < x.Ny; j++ {
			for i := 0; i < info.Trimx[0]; i++ {
				if above(x.Pix(i, j)) {
					x.OrDQPix(i, j, SatPixel)
				}
			}
			for i := x.Nx - info.Trimx[1]; i < x.Nx; i++ {
				if above(x.Pix(i, j)) {
					x.OrDQPix(i, j, SatPixel)
				}
			}
		}
		return nil
	}

	// full frame: anything outside the amp science rectangles is
	// overscan of one kind or another
	regions, err := AmpRegions(info, x.Nx, x.Ny, chip)
	if err != nil {
		return err
	}
	inScience := func(i, j int) bool {
		for _, r := range regions {
			if i >= r.BegX && i < r.EndX && j >= r.BegY && j < r.EndY {
				return true
			}
		}
		return false
	}

	for j := 0; j < x.Ny; j++ {
		for i := 0; i < x.Nx; i++ {
			if !inScience(i, j) && above(x.Pix(i, j)) {
				x.OrDQPix(i, j, SatPixel)
			}
		}
	}

	return nil
}

// PropagateSaturation carries full-well saturation from one MultiAccum
// read into its neighbour. A saturated pixel's science value can sag back
// below threshold and escape the plain threshold check, so the flag has
// to travel between adjacent reads rather than be rediscovered.
func PropagateSaturation(from, to *ImageTriplet) {
	for n, dq := range from.DQ {
		if dq&SatPixel != 0 {
			to.DQ[n] |= SatPixel
		}
	}
}

// PropagateCubeSaturation applies the saturation carry across a whole
// cube: walking the reads from the final read toward the zeroth, any
// read flagged SATPIXEL flags the temporally earlier neighbour as well.
// Reads are stored last-to-first, so the earlier neighbour of storage
// index s is s+1.
func PropagateCubeSaturation(cube *Cube) {
	for s := 0; s < cube.NSamp()-1; s++ {
		PropagateSaturation(cube.Reads[s], cube.Reads[s+1])
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
