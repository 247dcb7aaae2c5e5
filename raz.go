package ccd

import (
	"errors"
	"fmt"
)

// RAZ layout: the four amplifier quadrants of the two-chip detector laid
// side by side in readout order C, D, A, B, each rotated so its readout
// amp sits at the lower left and the readout direction is increasing row
// index. Chip 2 (amps C and D) provides the first image, chip 1 (amps A
// and B) the second; each chip image is two quadrants wide.
//
// Amp C's quadrant copies straight across, D mirrors in x, A flips in y,
// and B mirrors in both. The transform is a bijection and UndoRAZ is its
// exact inverse.

// MakeRAZ reorders the two chip triplets into a single RAZ triplet of
// shape (4*quadW, quadH).
func MakeRAZ(cd, ab *ImageTriplet) (*ImageTriplet, error) {
	if cd.Nx != ab.Nx || cd.Ny != ab.Ny {
		return nil, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error chip shapes disagree: %dx%d vs %dx%d", cd.Nx, cd.Ny, ab.Nx, ab.Ny))
	}
	if cd.Nx%2 != 0 {
		return nil, errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error chip width %d is not two quadrants", cd.Nx))
	}

	subcol := cd.Nx / 2
	rows := cd.Ny
	raz := NewImageTriplet(4*subcol, rows)

	for i := 0; i < subcol; i++ {
		for j := 0; j < rows; j++ {
			copyTripletPix(raz, i, j, cd, i, j)
			copyTripletPix(raz, i+subcol, j, cd, cd.Nx-i-1, j)
			copyTripletPix(raz, i+2*subcol, j, ab, i, rows-j-1)
			copyTripletPix(raz, i+3*subcol, j, ab, ab.Nx-i-1, rows-j-1)
		}
	}

	return raz, nil
}

// UndoRAZ writes a RAZ triplet back into the two chip triplets.
func UndoRAZ(raz, cd, ab *ImageTriplet) error {
	if cd.Nx != ab.Nx || cd.Ny != ab.Ny {
		return errors.Join(ErrSizeMismatch, errors.New("Error chip shapes disagree"))
	}
	subcol := cd.Nx / 2
	rows := cd.Ny
	if raz.Nx != 4*subcol || raz.Ny != rows {
		return errors.Join(ErrSizeMismatch,
			fmt.Errorf("Error RAZ shape %dx%d does not match chips %dx%d", raz.Nx, raz.Ny, cd.Nx, cd.Ny))
	}

	for i := 0; i < subcol; i++ {
		for j := 0; j < rows; j++ {
			copyTripletPix(cd, i, j, raz, i, j)
			copyTripletPix(cd, cd.Nx-i-1, j, raz, i+subcol, j)
			copyTripletPix(ab, i, rows-j-1, raz, i+2*subcol, j)
			copyTripletPix(ab, ab.Nx-i-1, rows-j-1, raz, i+3*subcol, j)
		}
	}

	return nil
}

func copyTripletPix(dst *ImageTriplet, di, dj int, src *ImageTriplet, si, sj int) {
	dn := dj*dst.Nx + di
	sn := sj*src.Nx + si
	dst.Sci[dn] = src.Sci[sn]
	dst.Err[dn] = src.Err[sn]
	dst.DQ[dn] = src.DQ[sn]
}
