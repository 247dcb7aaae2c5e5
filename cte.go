package ccd

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/alitto/pond"
)

// CTEParams holds the charge-transfer-efficiency model read from the CTE
// parameter table, plus the date-derived scale fraction computed at run
// time.
type CTEParams struct {
	Name     string
	Version  string
	CTEDate0 float64 // detector install MJD
	CTEDate1 float64 // model pinning MJD
	TrailLen int     // max CTE trail length in pixels
	RNAmp    float64 // readnoise clip amplitude
	NForward int     // outer forward-model iterations
	NPar     int     // inner parallel-transfer iterations
	NoiseMit int     // readnoise mitigation mode; only 0 is implemented
	Thresh   float64 // over-subtraction threshold
	FixROCR  bool    // down-scale readout cosmic rays

	ScaleFrac float64 // (expstart - date0) / (date1 - date0)

	// trap population, ordered; the slices share length NTraps
	NTraps int
	QlevQ  []float64 // charge-packet level at which each trap activates
	DpdeW  []float64 // charge captured per electron at that level

	// per-readout-column scalings at rows 512/1024/1536/2048
	IZData    []int
	Scale512  []float64
	Scale1024 []float64
	Scale1536 []float64
	Scale2048 []float64

	// trail shapes: differential and cumulative emission probability,
	// indexed [tail pixel][trap]
	RProf *ImageTriplet
	CProf *ImageTriplet
}

// qprofTerminator ends the trap list: the first row at or above this
// charge level and everything after it is inactive.
const qprofTerminator = 999999.0

// readout-CR detection and damping constants
const (
	rocrPairThresh   = -12.0
	rocrTripleThresh = -15.0
	rocrLookback     = 10
	rocrDamp         = 0.75
	rocrMaxRetries   = 5
)

// inverse-iteration damping scale near the readnoise
const inverseDamp = 3.25

// LoadCTEParams reads the parameter table: scalar keywords from the table
// header, the trap population from the QPROF extension, the column
// scalings from SCLBYCOL, and the two trail-shape images.
func LoadCTEParams(tab *RefTable, sclbycol *RefTable, rprof, cprof *RefImage) (*CTEParams, error) {
	if tab == nil {
		return nil, errors.Join(ErrCalFileMissing, errors.New("Error PCTETAB missing"))
	}

	pars := &CTEParams{}
	var err error

	if pars.Name, err = GetKey(tab.Header, "CTE_NAME", "", true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.Version, err = GetKey(tab.Header, "CTE_VER", "", true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.CTEDate0, err = GetKey(tab.Header, "CTEDATE0", 0.0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.CTEDate1, err = GetKey(tab.Header, "CTEDATE1", 0.0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.TrailLen, err = GetKey(tab.Header, "PCTETLEN", 0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.RNAmp, err = GetKey(tab.Header, "PCTERNOI", 0.0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.NForward, err = GetKey(tab.Header, "PCTENFOR", 0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.NPar, err = GetKey(tab.Header, "PCTENPAR", 0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.NoiseMit, err = GetKey(tab.Header, "PCTENSMD", 0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	if pars.Thresh, err = GetKey(tab.Header, "PCTETRSH", 0.0, true); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	fix, err := GetKey(tab.Header, "FIXROCR", 0, true)
	if err != nil {
		return nil, errors.Join(ErrTableError, err)
	}
	pars.FixROCR = fix != 0

	// trap population; the list terminates at the first row with a
	// charge level at or beyond the terminator
	for _, col := range []string{"W", "QLEV_Q", "DPDE_W"} {
		if !tab.HasColumn(col) {
			return nil, errors.Join(ErrColumnNotFound,
				fmt.Errorf("Error column %s of PCTETAB %s", col, tab.Name))
		}
	}
	for row := 0; row < tab.NRows; row++ {
		q, err := tab.FloatAt("QLEV_Q", row)
		if err != nil {
			return nil, err
		}
		if q >= qprofTerminator {
			break
		}
		d, err := tab.FloatAt("DPDE_W", row)
		if err != nil {
			return nil, err
		}
		pars.QlevQ = append(pars.QlevQ, q)
		pars.DpdeW = append(pars.DpdeW, d)
	}
	pars.NTraps = len(pars.QlevQ)

	// per-column scalings
	if sclbycol == nil {
		return nil, errors.Join(ErrCalFileMissing, errors.New("Error SCLBYCOL extension missing"))
	}
	for _, col := range []string{"IZ", "SENS_0512", "SENS_1024", "SENS_1536", "SENS_2048"} {
		if !sclbycol.HasColumn(col) {
			return nil, errors.Join(ErrColumnNotFound,
				fmt.Errorf("Error column %s of PCTETAB %s", col, tab.Name))
		}
	}
	for row := 0; row < sclbycol.NRows; row++ {
		iz, err := sclbycol.IntAt("IZ", row)
		if err != nil {
			return nil, err
		}
		s512, err := sclbycol.FloatAt("SENS_0512", row)
		if err != nil {
			return nil, err
		}
		s1024, err := sclbycol.FloatAt("SENS_1024", row)
		if err != nil {
			return nil, err
		}
		s1536, err := sclbycol.FloatAt("SENS_1536", row)
		if err != nil {
			return nil, err
		}
		s2048, err := sclbycol.FloatAt("SENS_2048", row)
		if err != nil {
			return nil, err
		}
		pars.IZData = append(pars.IZData, iz)
		pars.Scale512 = append(pars.Scale512, s512)
		pars.Scale1024 = append(pars.Scale1024, s1024)
		pars.Scale1536 = append(pars.Scale1536, s1536)
		pars.Scale2048 = append(pars.Scale2048, s2048)
	}

	if rprof == nil || cprof == nil {
		return nil, errors.Join(ErrCalFileMissing, errors.New("Error RPROF/CPROF extensions missing"))
	}
	if pars.RProf, err = rprof.ChipData(1); err != nil {
		return nil, err
	}
	if pars.CProf, err = cprof.ChipData(1); err != nil {
		return nil, err
	}

	return pars, nil
}

// ApplyHeaderOverrides reconciles the table parameters with the primary
// header: identity and date keywords always come from the table, while
// the numeric tuning knobs may be overridden by a positive-valid header
// value. Either way the effective value lands back in the header.
func (pars *CTEParams) ApplyHeaderOverrides(hdr Header) {
	if v, _ := GetKey(hdr, "PCTETLEN", 0, false); v > 0 {
		pars.TrailLen = v
	}
	if v, _ := GetKey(hdr, "PCTERNOI", 0.0, false); v > 0 {
		pars.RNAmp = v
	}
	if v, _ := GetKey(hdr, "PCTENFOR", 0, false); v > 1 {
		pars.NForward = v
	}
	if v, _ := GetKey(hdr, "PCTENPAR", 0, false); v > 1 {
		pars.NPar = v
	}

	PutKey(hdr, "CTE_NAME", pars.Name)
	PutKey(hdr, "CTE_VER", pars.Version)
	PutKey(hdr, "CTEDATE0", pars.CTEDate0)
	PutKey(hdr, "CTEDATE1", pars.CTEDate1)
	PutKey(hdr, "PCTETLEN", pars.TrailLen)
	PutKey(hdr, "PCTERNOI", pars.RNAmp)
	PutKey(hdr, "PCTENFOR", pars.NForward)
	PutKey(hdr, "PCTENPAR", pars.NPar)
	PutKey(hdr, "PCTENSMD", pars.NoiseMit)
	PutKey(hdr, "PCTETRSH", pars.Thresh)
	if pars.FixROCR {
		PutKey(hdr, "FIXROCR", 1)
	} else {
		PutKey(hdr, "FIXROCR", 0)
	}
}

// rawToRAZ converts the reformatted image to electrons and removes the
// residual per-amp bias measured in the post-scan overscan. The pre-scan
// residual is measured as well, for diagnostics only.
func rawToRAZ(info *ExposureInfo, raz *ImageTriplet, trl Trailer) {
	subcol := raz.Nx / 4
	rows := raz.Ny

	biasPost, _ := overscanResidual(raz, rows+5, subcol, trl, "Post scan bias measures:")

	for k := 0; k < 4; k++ {
		for i := 0; i < subcol; i++ {
			for j := 0; j < rows; j++ {
				n := j*raz.Nx + i + k*subcol
				raz.Sci[n] -= float32(biasPost[k])
			}
		}
	}

	// measured for the trailer only
	overscanResidual(raz, 5, 25, trl, "Prescan residual bias measures:")

	gain := float32(info.CCDGain)
	for n := range raz.Sci {
		raz.Sci[n] *= gain
	}
}

// overscanResidual measures the residual bias of each quadrant with an
// iterative resistant mean over the columns [lo, hi) of the quadrant.
func overscanResidual(raz *ImageTriplet, lo, hi int, trl Trailer, label string) ([4]float64, [4]float64) {
	const sigreg = 7.5
	// bounded sample per quadrant for the resistant mean
	const plistCap = 55377

	subcol := raz.Nx / 4
	rows := raz.Ny

	var mean, sigma [4]float64

	trl.Message(label)
	for k := 0; k < 4; k++ {
		plist := make([]float64, 0, plistCap)
		for i := lo; i < hi && i < subcol; i++ {
			for j := 0; j < rows; j++ {
				if len(plist) >= plistCap {
					break
				}
				plist = append(plist, float64(raz.Pix(i+k*subcol, j)))
			}
		}
		if len(plist) == 0 {
			continue
		}
		m, s, _, _, err := ResistantMean(plist, sigreg)
		if err != nil {
			continue
		}
		mean[k] = m
		sigma[k] = s
		trl.Message(fmt.Sprintf("mean=%f\tsigma=%f", m, s))
	}

	return mean, sigma
}

// razToRSZ builds the smoothest image consistent with the observation
// plus readnoise. Each iteration nudges every pixel a quarter of the way
// toward agreement with its vertical neighbours, damped to 75%, until the
// RMS of the accumulated change reaches the readnoise amplitude or 100
// iterations have run. A readnoise below 0.1 needs no mitigation at all.
func razToRSZ(raz *ImageTriplet, rnsig float64, pool *pond.WorkerPool, trl Trailer) *ImageTriplet {
	rsz := raz.Copy()

	if rnsig < 0.1 {
		trl.Message("rnsig < 0.1, no rnoise mitigation needed")
		return rsz
	}

	cols := raz.Nx
	rows := raz.Ny
	zadj := make([]float64, cols*rows)

	var mu sync.Mutex

	for nit := 1; nit <= 100; nit++ {
		group := pool.Group()
		for i := 0; i < cols; i++ {
			icol := i
			group.Submit(func() {
				imid := icol
				if imid == 0 {
					imid = 1
				}
				if imid == cols-1 {
					imid = cols - 2
				}
				ic := 1 + icol - imid
				for j := 0; j < rows; j++ {
					zadj[j*cols+icol] = findDadj(raz, rsz, imid, ic, j, rnsig)
				}
			})
		}
		group.Wait()

		for n := range rsz.Sci {
			rsz.Sci[n] += float32(zadj[n] * 0.75)
		}

		// RMS of the residual against the observation; partial sums per
		// row are folded into the shared pair under a lock
		var rms float64
		var nrms int
		group = pool.Group()
		for j := 0; j < rows; j++ {
			row := j
			group.Submit(func() {
				var rmsu float64
				var nrmsu int
				for i := 0; i < cols; i++ {
					n := row*cols + i
					if math.Abs(float64(raz.Sci[n])) > 0.1 || math.Abs(float64(rsz.Sci[n])) > 0.1 {
						d := float64(raz.Sci[n]) - float64(rsz.Sci[n])
						rmsu += d * d
						nrmsu++
					}
				}
				mu.Lock()
				rms += rmsu
				nrms += nrmsu
				mu.Unlock()
			})
		}
		group.Wait()

		if nrms > 0 && math.Sqrt(rms/float64(nrms)) > rnsig {
			break
		}
	}

	return rsz
}

// findDadj determines how far one pixel can move while staying consistent
// with readnoise: a tug of war between keeping its observed value, the
// local 3x3 mean, and agreement with the pixels below and above.
func findDadj(obs, rsz *ImageTriplet, imid, ic, j int, rnsig float64) float64 {
	cols := obs.Nx
	rows := obs.Ny

	pixAt := func(t *ImageTriplet, di, jj int) float64 {
		return float64(t.Sci[jj*cols+imid-1+di])
	}

	mval := pixAt(rsz, ic, j)
	dval0 := pixAt(obs, ic, j) - mval
	dval0u := clamp(dval0, 1.0)

	dval9 := 0.0
	if ic == 1 && j > 0 && j < rows-1 {
		for di := 0; di <= 2; di++ {
			for dj := -1; dj <= 1; dj++ {
				dval9 += pixAt(obs, di, j+dj) - pixAt(rsz, di, j+dj)
			}
		}
	}
	dval9 /= 9.0
	dval9u := clamp(dval9, rnsig*0.33)

	dmod1 := 0.0
	if j > 0 {
		dmod1 = pixAt(rsz, ic, j-1) - mval
	}
	dmod1u := clamp(dmod1, rnsig*0.33)

	dmod2 := 0.0
	if j < rows-1 {
		dmod2 = pixAt(rsz, ic, j+1) - mval
	}
	dmod2u := clamp(dmod2, rnsig*0.33)

	// within two sigma of the readnoise, treat as readnoise; farther off,
	// downweight the influence
	w0 := (dval0 * dval0) / ((dval0 * dval0) + 4.0*rnsig*rnsig)
	w9 := (dval9 * dval9) / ((dval9 * dval9) + 18.0*rnsig*rnsig)
	w1 := (4.0 * rnsig * rnsig) / ((dmod1 * dmod1) + 4.0*rnsig*rnsig)
	w2 := (4.0 * rnsig * rnsig) / ((dmod2 * dmod2) + 4.0*rnsig*rnsig)

	return 0.25 * (dval0u*w0 + dval9u*w9 + dmod1u*w1 + dmod2u*w2)
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// buildScaleMap assembles the per-pixel CTE scale image: the four
// per-column scalings interpolated by row, attenuated linearly toward the
// readout register, and scaled by the date fraction.
func (pars *CTEParams) buildScaleMap(cols, rows int) []float64 {
	ffByCol := make([][4]float64, cols)
	for i := range ffByCol {
		ffByCol[i] = [4]float64{1, 1, 1, 1}
	}
	for n, iz := range pars.IZData {
		if iz < 0 || iz >= cols {
			continue
		}
		ffByCol[iz][0] = pars.Scale512[n]
		ffByCol[iz][1] = pars.Scale1024[n]
		ffByCol[iz][2] = pars.Scale1536[n]
		ffByCol[iz][3] = pars.Scale2048[n]
	}

	fff := make([]float64, cols*rows)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			ro := float64(j) / 512.0
			if ro < 0 {
				ro = 0
			}
			if ro > 2.999 {
				ro = 2.999
			}
			io := int(math.Floor(ro))
			cteJ := float64(j+1) / 2048.0
			cteI := ffByCol[i][io] + (ffByCol[i][io+1]-ffByCol[i][io])*(ro-float64(io))
			fff[j*cols+i] = pars.ScaleFrac * cteI * cteJ
		}
	}
	return fff
}

// inverseCTEBlur runs the iterative inverse of the readout simulation on
// every column independently: simulate the readout of the current model,
// compare with the observation, and fold the damped difference back in.
// Columns showing the signature of an over-subtracted readout cosmic ray
// get their scale map damped over the trail and are redone, a bounded
// number of times.
func inverseCTEBlur(rsz *ImageTriplet, fff []float64, pars *CTEParams, pool *pond.WorkerPool, trl Trailer) *ImageTriplet {
	cols := rsz.Nx
	rows := rsz.Ny

	rsc := rsz.Copy()

	group := pool.Group()
	for i := 0; i < cols; i++ {
		icol := i
		group.Submit(func() {
			pixObsd := make([]float64, rows)
			pixModl := make([]float64, rows)
			pixCurr := make([]float64, rows)
			pixRead := make([]float64, rows)
			pixCtef := make([]float64, rows)

			for j := 0; j < rows; j++ {
				pixObsd[j] = float64(rsz.Sci[j*cols+icol])
			}

			redo := true
			for nredo := 0; redo && nredo < rocrMaxRetries; nredo++ {
				redo = false

				for j := 0; j < rows; j++ {
					pixModl[j] = pixObsd[j]
					pixCtef[j] = fff[j*cols+icol]
				}

				for nitinv := 1; nitinv <= pars.NForward; nitinv++ {
					copy(pixCurr, pixModl)
					copy(pixRead, pixModl)

					for nitcte := 1; nitcte <= pars.NPar; nitcte++ {
						pars.simColReadout(pixCurr, pixRead, pixCtef)
						copy(pixCurr, pixRead)
					}

					// dampen the adjustment near the readnoise
					for j := 0; j < rows; j++ {
						dmod := pixObsd[j] - pixRead[j]
						if nitinv < pars.NForward {
							dmod *= (dmod * dmod) / ((dmod * dmod) + inverseDamp*inverseDamp)
						}
						pixModl[j] += dmod
					}
				}

				if pars.FixROCR {
					for _, span := range findReadoutCRs(pixModl, pixObsd, pars.Thresh) {
						for jj := span[0]; jj <= span[1]; jj++ {
							fff[jj*cols+icol] *= rocrDamp
						}
						redo = true
					}
				}
			}

			for j := 0; j < rows; j++ {
				rsc.Sci[j*cols+icol] = float32(pixModl[j])
			}
		})
	}
	group.Wait()

	return rsc
}

// findReadoutCRs scans a corrected column for the tell-tale signature of
// an over-subtracted readout cosmic ray: a single pixel or a 2-3 pixel
// run pushed far below threshold, both in the model and relative to the
// observation. For each hit it walks back up to ten pixels to the peak
// residual and records the span to damp.
func findReadoutCRs(pixModl, pixObsd []float64, thresh float64) [][2]int {
	var spans [][2]int
	rows := len(pixModl)
	for j := rocrLookback; j < rows-2; j++ {
		hit := (pixModl[j] < thresh && pixModl[j]-pixObsd[j] < thresh) ||
			(pixModl[j]+pixModl[j+1] < rocrPairThresh &&
				pixModl[j]+pixModl[j+1]-pixObsd[j]-pixObsd[j+1] < rocrPairThresh) ||
			(pixModl[j]+pixModl[j+1]+pixModl[j+2] < rocrTripleThresh &&
				pixModl[j]+pixModl[j+1]+pixModl[j+2]-pixObsd[j]-pixObsd[j+1]-pixObsd[j+2] < rocrTripleThresh)
		if !hit {
			continue
		}

		jmax := j
		for jj := j - rocrLookback; jj < j; jj++ {
			if pixModl[jj]-pixObsd[jj] > pixModl[jmax]-pixObsd[jmax] {
				jmax = jj
			}
		}
		spans = append(spans, [2]int{jmax, j})
	}
	return spans
}

// simColReadout simulates a single readout transfer of one column: each
// trap, visited from the deepest charge level downward, captures charge
// from pixels that exceed its level and re-emits it down the trail
// according to the emission profiles. Charge is shuffled integer-style
// with the fractional remainder carried between pixels.
func (pars *CTEParams) simColReadout(pixi, pixo, pixf []float64) {
	rows := len(pixi)
	trailLen := pars.TrailLen

	pmax := 10.0
	for j := 0; j < rows; j++ {
		pixo[j] = pixi[j]
		if pixo[j] > pmax {
			pmax = pixo[j]
		}
	}

	for w := pars.NTraps - 1; w >= 0; w-- {
		if pars.QlevQ[w] > pmax {
			continue
		}

		ftrap := 0.0
		ttrap := trailLen
		fcarry := 0.0

		for j := 0; j < rows; j++ {
			pix1 := pixo[j]

			if ttrap < trailLen || pix1 >= pars.QlevQ[w]-1 {
				if pixo[j] >= 0 {
					pix1 = pixo[j] + fcarry
					floorv := math.Floor(pix1)
					fcarry = pix1 - floorv
					pix1 = floorv
				}

				// the trap decays with the column scale
				if j > 0 && pixf[j] < pixf[j-1] && pixf[j-1] != 0 {
					ftrap = (pixf[j] / pixf[j-1]) * ftrap
				}

				padd2 := 0.0
				if ttrap < trailLen {
					ttrap++
					padd2 = profAt(pars.RProf, w, ttrap) * ftrap
				}

				padd3 := 0.0
				prem3 := 0.0
				if pix1 >= pars.QlevQ[w] {
					prem3 = (pars.DpdeW[w] / float64(pars.NPar)) * pixf[j]
					if ttrap < trailLen {
						padd3 = profAt(pars.CProf, w, ttrap) * ftrap
					}
					ttrap = 0
					ftrap = prem3
				}

				pixo[j] += padd2 + padd3 - prem3
			}
		}
	}
}

// profAt reads the trail profile for trap w at tail position t; the
// profile images are indexed [tail pixel, trap].
func profAt(prof *ImageTriplet, w, t int) float64 {
	if t < 0 || t >= prof.Nx || w < 0 || w >= prof.Ny {
		return 0
	}
	return float64(prof.Pix(t, w))
}

// DoCTE is the entry point for the CTE correction. It consumes the two
// raw chip triplets after the CTE-specific bias subtraction and rewrites
// their science arrays in place with the corrected values, leaving the
// rest of the pipeline to proceed on the repaired raw data.
func DoCTE(info *ExposureInfo, cd, ab *ImageTriplet, hdr Header, pars *CTEParams, oneThread bool, trl Trailer) error {

	if info.Subarray {
		return errors.Join(ErrReturn,
			errors.New("Error SUBARRAY images are not supported for the CTE correction"))
	}
	if pars.NoiseMit != 0 {
		return errors.Join(ErrReturn,
			fmt.Errorf("Error only noise mitigation mode 0 is implemented, got %d", pars.NoiseMit))
	}
	if pars.CTEDate1 == pars.CTEDate0 {
		return errors.Join(ErrTableError, errors.New("Error CTEDATE0 equals CTEDATE1"))
	}

	maxThreads := runtime.NumCPU()
	if oneThread {
		maxThreads = 1
		trl.Message("CTE: parallel processing contained to a single thread")
	} else {
		trl.Message(fmt.Sprintf("CTE: using %d threads", maxThreads))
	}
	pool := pond.New(maxThreads, 0, pond.MinWorkers(maxThreads))
	defer pool.StopAndWait()

	pars.ScaleFrac = (info.ExpStart - pars.CTEDate0) / (pars.CTEDate1 - pars.CTEDate0)
	trl.Message(fmt.Sprintf("cte_ff = %f", pars.ScaleFrac))

	trl.Message("CTE: Converting RAW to RAZ format")
	razRaw, err := MakeRAZ(cd, ab)
	if err != nil {
		return err
	}

	// the model works in electrons with the residual bias removed; the
	// untouched DN copy is what the correction is finally applied to
	raz := razRaw.Copy()
	rawToRAZ(info, raz, trl)

	trl.Message("CTE: Calculating smooth readnoise image")
	rsz := razToRSZ(raz, pars.RNAmp, pool, trl)

	trl.Message("CTE: Converting RSZ to RSC")
	fff := pars.buildScaleMap(raz.Nx, raz.Ny)
	rsc := inverseCTEBlur(rsz, fff, pars, pool, trl)

	// reassemble: the correction in electrons divided by the gain puts
	// the result back into the DN the rest of the pipeline expects
	gain := float32(info.CCDGain)
	rzc := razRaw.Copy()
	for n := range rzc.Sci {
		rzc.Sci[n] = razRaw.Sci[n] + (rsc.Sci[n]-rsz.Sci[n])/gain
	}

	if err := UndoRAZ(rzc, cd, ab); err != nil {
		return err
	}

	PutKey(hdr, "PCTEFRAC", pars.ScaleFrac)
	trl.Message("PCTEFRAC saved to header")

	return nil
}
