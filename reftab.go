package ccd

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard sentinels used by the reference-table selection columns. An
// integer column matches anything on -999 (and in a few legacy tables -1),
// floats likewise, and string columns use "ANY". "N/A" marks a column the
// table author wants ignored for selection purposes.
const (
	IntWildcard   = -999
	IntIgnore     = -999
	FloatWildcard = -999.0
	StrWildcard   = "ANY"
	StrIgnore     = "N/A"
)

// SameInt compares an exposure value against a table value, honouring the
// integer wildcards.
func SameInt(tab, val int) bool {
	return tab == IntWildcard || tab == -1 || tab == val
}

// SameFlt compares with the float wildcards.
func SameFlt(tab, val float64) bool {
	return tab == FloatWildcard || tab == -1.0 || tab == val
}

// SameString compares case-insensitively with the string wildcards.
func SameString(tab, val string) bool {
	t := strings.ToUpper(strings.TrimSpace(tab))
	if t == StrWildcard || t == StrIgnore {
		return true
	}
	return t == strings.ToUpper(strings.TrimSpace(val))
}

// Pedigree strings beginning with DUMMY mark a reference artifact that is
// present but not calibrated; its step degrades to SKIPPED.
func DummyPedigree(pedigree string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(pedigree)), "DUMMY")
}

// Column is one named column of an in-memory reference table. Exactly one
// of the value slices is populated.
type Column struct {
	Name    string
	Ints    [][]int
	Floats  [][]float64
	Strings []string
}

// RefTable is a reference table read fully into memory: selection and data
// columns by name, with the table-level header keywords and per-row
// pedigree alongside. Scalar cells are stored as length-1 arrays so array
// cells (A-to-D correction, CTE profiles) need no special casing.
type RefTable struct {
	Name     string
	FileType string
	Pedigree string
	Descrip  string
	Header   Header
	Columns  map[string]*Column
	NRows    int

	// RowPedigree is optional; tables without the column fall back to the
	// table-level pedigree.
	RowPedigree []string
}

// HasColumn reports whether the table carries the named column. A missing
// selection column is treated as a wildcard match by the selectors.
func (t *RefTable) HasColumn(name string) bool {
	_, ok := t.Columns[name]
	return ok
}

// IntAt returns the scalar integer cell at (column, row).
func (t *RefTable) IntAt(name string, row int) (int, error) {
	col, ok := t.Columns[name]
	if !ok || col.Ints == nil {
		return 0, errors.Join(ErrColumnNotFound, fmt.Errorf("Error column %s of %s", name, t.Name))
	}
	if row < 0 || row >= len(col.Ints) || len(col.Ints[row]) == 0 {
		return 0, errors.Join(ErrTableError, fmt.Errorf("Error row %d of column %s in %s", row, name, t.Name))
	}
	return col.Ints[row][0], nil
}

// FloatAt returns the scalar float cell at (column, row).
func (t *RefTable) FloatAt(name string, row int) (float64, error) {
	col, ok := t.Columns[name]
	if !ok || col.Floats == nil {
		return 0, errors.Join(ErrColumnNotFound, fmt.Errorf("Error column %s of %s", name, t.Name))
	}
	if row < 0 || row >= len(col.Floats) || len(col.Floats[row]) == 0 {
		return 0, errors.Join(ErrTableError, fmt.Errorf("Error row %d of column %s in %s", row, name, t.Name))
	}
	return col.Floats[row][0], nil
}

// FloatArrayAt returns the array float cell at (column, row).
func (t *RefTable) FloatArrayAt(name string, row int) ([]float64, error) {
	col, ok := t.Columns[name]
	if !ok || col.Floats == nil {
		return nil, errors.Join(ErrColumnNotFound, fmt.Errorf("Error column %s of %s", name, t.Name))
	}
	if row < 0 || row >= len(col.Floats) {
		return nil, errors.Join(ErrTableError, fmt.Errorf("Error row %d of column %s in %s", row, name, t.Name))
	}
	return col.Floats[row], nil
}

// StringAt returns the string cell at (column, row).
func (t *RefTable) StringAt(name string, row int) (string, error) {
	col, ok := t.Columns[name]
	if !ok || col.Strings == nil {
		return "", errors.Join(ErrColumnNotFound, fmt.Errorf("Error column %s of %s", name, t.Name))
	}
	if row < 0 || row >= len(col.Strings) {
		return "", errors.Join(ErrTableError, fmt.Errorf("Error row %d of column %s in %s", row, name, t.Name))
	}
	return col.Strings[row], nil
}

// CheckFileType validates the FILETYPE tag of a reference artifact against
// the tag its role demands.
func CheckFileType(got, want, name string) error {
	if !strings.EqualFold(strings.TrimSpace(got), want) {
		return errors.Join(ErrTableError,
			fmt.Errorf("Error FILETYPE of %s is %q, expected %q", name, got, want))
	}
	return nil
}

// Criterion is one column of a selection predicate.
type Criterion struct {
	Column string
	Int    int
	Float  float64
	Str    string
	Kind   byte // 'i', 'f' or 's'
}

// MatchRows returns the indexes of every row for which all non-wildcard
// selection columns equal the exposure's values. A criterion naming a
// column the table does not carry matches unconditionally.
func (t *RefTable) MatchRows(criteria []Criterion) []int {
	var rows []int

	for row := 0; row < t.NRows; row++ {
		matched := true
		for _, c := range criteria {
			if !t.HasColumn(c.Column) {
				continue
			}
			switch c.Kind {
			case 'i':
				v, err := t.IntAt(c.Column, row)
				if err != nil || !SameInt(v, c.Int) {
					matched = false
				}
			case 'f':
				v, err := t.FloatAt(c.Column, row)
				if err != nil || !SameFlt(v, c.Float) {
					matched = false
				}
			case 's':
				v, err := t.StringAt(c.Column, row)
				if err != nil || !SameString(v, c.Str) {
					matched = false
				}
			}
			if !matched {
				break
			}
		}
		if matched {
			rows = append(rows, row)
		}
	}

	return rows
}

// MatchOne is MatchRows for callers that need exactly one row; zero
// matches is the row-not-found status.
func (t *RefTable) MatchOne(criteria []Criterion) (int, error) {
	rows := t.MatchRows(criteria)
	if len(rows) == 0 {
		return -1, errors.Join(ErrRowNotFound, fmt.Errorf("Error no row of %s matched selection", t.Name))
	}
	return rows[0], nil
}

// PedigreeAt resolves the pedigree for one row, falling back to the
// table-level value.
func (t *RefTable) PedigreeAt(row int) string {
	if row >= 0 && row < len(t.RowPedigree) && t.RowPedigree[row] != "" {
		return t.RowPedigree[row]
	}
	return t.Pedigree
}

// RefImage is a reference image: a triplet-shaped set of planes plus the
// identifying strings common to all reference artifacts.
type RefImage struct {
	Name     string
	FileType string
	Pedigree string
	Descrip  string
	Header   Header
	Chips    []*ImageTriplet // one triplet per chip extension
}

// ChipData returns the triplet for a one-indexed chip.
func (r *RefImage) ChipData(chip int) (*ImageTriplet, error) {
	if chip < 1 || chip > len(r.Chips) {
		return nil, errors.Join(ErrCalFileMissing,
			fmt.Errorf("Error %s has no extension for chip %d", r.Name, chip))
	}
	return r.Chips[chip-1], nil
}
