package ccd

import (
	"testing"
)

func selectionTable() *RefTable {
	return &RefTable{
		Name:  "test_ccd.json",
		NRows: 3,
		Columns: map[string]*Column{
			"CCDAMP": {Name: "CCDAMP", Strings: []string{"ABCD", "A", "ANY"}},
			"CCDGAIN": {Name: "CCDGAIN",
				Floats: [][]float64{{1.5}, {2.0}, {FloatWildcard}}},
			"CCDCHIP": {Name: "CCDCHIP", Ints: [][]int{{1}, {2}, {IntWildcard}}},
		},
	}
}

func TestMatchRowsExact(t *testing.T) {
	tab := selectionTable()
	rows := tab.MatchRows([]Criterion{
		{Column: "CCDAMP", Str: "ABCD", Kind: 's'},
		{Column: "CCDGAIN", Float: 1.5, Kind: 'f'},
		{Column: "CCDCHIP", Int: 1, Kind: 'i'},
	})
	// row 0 matches exactly, row 2 is all wildcards
	if len(rows) != 2 || rows[0] != 0 || rows[1] != 2 {
		t.Errorf("rows = %v", rows)
	}
}

func TestMatchRowsMissingColumnIsWildcard(t *testing.T) {
	tab := selectionTable()
	rows := tab.MatchRows([]Criterion{
		{Column: "BINAXIS1", Int: 2, Kind: 'i'},
	})
	if len(rows) != 3 {
		t.Errorf("rows = %v, want all three", rows)
	}
}

func TestMatchOneRowNotFound(t *testing.T) {
	tab := selectionTable()
	// delete the wildcard row so nothing matches
	tab.NRows = 2
	_, err := tab.MatchOne([]Criterion{
		{Column: "CCDAMP", Str: "D", Kind: 's'},
		{Column: "CCDGAIN", Float: 4.0, Kind: 'f'},
	})
	if StatusCode(err) != ExitRowNotFound {
		t.Errorf("status = %d, want %d", StatusCode(err), ExitRowNotFound)
	}
}

func TestWildcardComparisons(t *testing.T) {
	if !SameInt(IntWildcard, 42) || !SameInt(-1, 7) || SameInt(3, 4) {
		t.Error("integer wildcard comparison broken")
	}
	if !SameFlt(FloatWildcard, 1.5) || SameFlt(2.0, 1.5) {
		t.Error("float wildcard comparison broken")
	}
	if !SameString("ANY", "ABCD") || !SameString("N/A", "whatever") {
		t.Error("string wildcard comparison broken")
	}
	if !SameString("abcd", "ABCD") || SameString("AB", "ABCD") {
		t.Error("string comparison broken")
	}
}

func TestDummyPedigree(t *testing.T) {
	if !DummyPedigree("DUMMY") || !DummyPedigree("dummy 2021-05-01") {
		t.Error("dummy pedigree not recognised")
	}
	if DummyPedigree("GROUND") || DummyPedigree("INFLIGHT 2009-06-01") {
		t.Error("real pedigree treated as dummy")
	}
}

func TestCheckFileType(t *testing.T) {
	if err := CheckFileType("CCD PARAMETERS", "CCD PARAMETERS", "x"); err != nil {
		t.Error(err)
	}
	err := CheckFileType("BIAS", "DARK", "x")
	if StatusCode(err) != ExitTableError {
		t.Errorf("status = %d, want %d", StatusCode(err), ExitTableError)
	}
}

func TestRowPedigreeFallback(t *testing.T) {
	tab := selectionTable()
	tab.Pedigree = "INFLIGHT"
	tab.RowPedigree = []string{"", "DUMMY", ""}

	if tab.PedigreeAt(0) != "INFLIGHT" {
		t.Errorf("row 0 pedigree = %q", tab.PedigreeAt(0))
	}
	if tab.PedigreeAt(1) != "DUMMY" {
		t.Errorf("row 1 pedigree = %q", tab.PedigreeAt(1))
	}
}
