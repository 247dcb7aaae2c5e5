package ccd

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	stgpsr "github.com/yuin/stagparser"
)

var ErrCreateCalTdb = errors.New("Error Creating Calibrated Product TileDB Array")
var ErrWriteCalTdb = errors.New("Error Writing Calibrated Product TileDB Array")
var ErrCreateSchemaTdb = errors.New("Error Creating TileDB Schema")
var ErrCreateDimTdb = errors.New("Error Creating TileDB Dimension")
var ErrCreateAttributeTdb = errors.New("Error Creating Attribute for TileDB Array")
var ErrAddFilters = errors.New("Error Adding Filter To FilterList")
var ErrSetBuff = errors.New("Error Setting TileDB Buffer")

// ProductPlanes is the exported form of a calibrated triplet: the three
// planes flattened row-major, attribute per plane, zstd compressed.
type ProductPlanes struct {
	Sci []float32 `tiledb:"dtype=float32,ftype=attr" filters:"zstd(level=16)"`
	Err []float32 `tiledb:"dtype=float32,ftype=attr" filters:"zstd(level=16)"`
	Dq  []uint16  `tiledb:"dtype=uint16,ftype=attr" filters:"zstd(level=16)"`
}

// ArrayOpen is a helper func for opening a tiledb array.
func ArrayOpen(ctx *tiledb.Context, uri string, mode tiledb.QueryType) (*tiledb.Array, error) {
	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, err
	}

	err = array.Open(mode)
	if err != nil {
		array.Free()
		return nil, err
	}

	return array, nil
}

// AddFilters sequentially appends compression filters to the filter
// pipeline list.
func AddFilters(filterList *tiledb.FilterList, filters ...*tiledb.Filter) error {
	for _, filt := range filters {
		err := filterList.AddFilter(filt)
		if err != nil {
			return err
		}
	}

	return nil
}

// ZstdFilter initialises the Zstandard compression filter and sets the
// compression level.
func ZstdFilter(ctx *tiledb.Context, level int32) (*tiledb.Filter, error) {
	filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_ZSTD)
	if err != nil {
		return nil, err
	}

	err = filt.SetOption(tiledb.TILEDB_COMPRESSION_LEVEL, level)
	if err != nil {
		filt.Free()
		return nil, err
	}

	return filt, nil
}

// zstdLevel digs the compression level out of a parsed filters tag, with
// a sensible default when the tag carries none.
func zstdLevel(defs []stgpsr.Definition) int32 {
	for _, def := range defs {
		if def.Name() != "zstd" {
			continue
		}
		if lvl, ok := def.Attribute("level"); ok {
			if v, ok := lvl.(int64); ok {
				return int32(v)
			}
		}
	}
	return 16
}

// schemaAttrs builds one attribute per exported struct field, with the
// dtype taken from the tiledb tag and the compression from the filters
// tag.
func schemaAttrs(t any, schema *tiledb.ArraySchema, ctx *tiledb.Context) error {
	filtDefs, _ := stgpsr.ParseStruct(t, "filters")
	tdbDefs, _ := stgpsr.ParseStruct(t, "tiledb")

	types := reflect.TypeOf(t).Elem()
	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)
		if !field.IsExported() {
			continue
		}

		var dtype tiledb.Datatype
		found := false
		for _, def := range tdbDefs[field.Name] {
			if def.Name() != "dtype" {
				continue
			}
			if raw, ok := def.Attribute("dtype"); ok {
				switch raw {
				case "float32":
					dtype = tiledb.TILEDB_FLOAT32
					found = true
				case "uint16":
					dtype = tiledb.TILEDB_UINT16
					found = true
				}
			}
		}
		if !found {
			return errors.Join(ErrCreateAttributeTdb,
				fmt.Errorf("Error no dtype tag on field %s", field.Name))
		}

		attr, err := tiledb.NewAttribute(ctx, strings.ToLower(field.Name), dtype)
		if err != nil {
			return errors.Join(ErrCreateAttributeTdb, err)
		}

		filtList, err := tiledb.NewFilterList(ctx)
		if err != nil {
			return errors.Join(ErrCreateAttributeTdb, err)
		}
		zstd, err := ZstdFilter(ctx, zstdLevel(filtDefs[field.Name]))
		if err != nil {
			return errors.Join(ErrCreateAttributeTdb, err)
		}
		if err := AddFilters(filtList, zstd); err != nil {
			return errors.Join(ErrAddFilters, err)
		}
		if err := attr.SetFilterList(filtList); err != nil {
			return errors.Join(ErrCreateAttributeTdb, err)
		}

		if err := schema.AddAttributes(attr); err != nil {
			return errors.Join(ErrCreateSchemaTdb, err)
		}
	}

	return nil
}

// ToTileDB writes one calibrated triplet as a dense 2-D TileDB array with
// row and column dimensions, sci/err/dq attributes, and the exposure
// keywords attached as array metadata.
func (t *ImageTriplet) ToTileDB(uri string, ctx *tiledb.Context, hdr Header) error {

	dom, err := tiledb.NewDomain(ctx)
	if err != nil {
		return errors.Join(ErrCreateCalTdb, err)
	}

	rowDim, err := tiledb.NewDimension(ctx, "row", tiledb.TILEDB_INT32,
		[]int32{0, int32(t.Ny) - 1}, int32(minInt(t.Ny, 512)))
	if err != nil {
		return errors.Join(ErrCreateDimTdb, err)
	}
	colDim, err := tiledb.NewDimension(ctx, "col", tiledb.TILEDB_INT32,
		[]int32{0, int32(t.Nx) - 1}, int32(minInt(t.Nx, 512)))
	if err != nil {
		return errors.Join(ErrCreateDimTdb, err)
	}
	if err := dom.AddDimensions(rowDim, colDim); err != nil {
		return errors.Join(ErrCreateCalTdb, err)
	}

	schema, err := tiledb.NewArraySchema(ctx, tiledb.TILEDB_DENSE)
	if err != nil {
		return errors.Join(ErrCreateSchemaTdb, err)
	}
	if err := schema.SetDomain(dom); err != nil {
		return errors.Join(ErrCreateSchemaTdb, err)
	}

	planes := &ProductPlanes{Sci: t.Sci, Err: t.Err, Dq: t.DQ}
	if err := schemaAttrs(planes, schema, ctx); err != nil {
		return err
	}

	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return errors.Join(ErrCreateCalTdb, err)
	}
	defer array.Free()

	if err := array.Create(schema); err != nil {
		return errors.Join(ErrCreateCalTdb, err)
	}

	arr, err := ArrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errors.Join(ErrWriteCalTdb, err)
	}
	defer arr.Free()
	defer arr.Close()

	query, err := tiledb.NewQuery(ctx, arr)
	if err != nil {
		return errors.Join(ErrWriteCalTdb, err)
	}
	if err := query.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return errors.Join(ErrWriteCalTdb, err)
	}

	if _, err := query.SetDataBuffer("sci", t.Sci); err != nil {
		return errors.Join(ErrSetBuff, err)
	}
	if _, err := query.SetDataBuffer("err", t.Err); err != nil {
		return errors.Join(ErrSetBuff, err)
	}
	if _, err := query.SetDataBuffer("dq", t.DQ); err != nil {
		return errors.Join(ErrSetBuff, err)
	}

	if err := query.Submit(); err != nil {
		return errors.Join(ErrWriteCalTdb, err)
	}
	if err := query.Finalize(); err != nil {
		return errors.Join(ErrWriteCalTdb, err)
	}

	// keep the header with the pixels
	for key, val := range hdr {
		switch v := val.(type) {
		case string, int, float64:
			if err := arr.PutMetadata(key, v); err != nil {
				return errors.Join(ErrWriteCalTdb, err)
			}
		case bool:
			b := 0
			if v {
				b = 1
			}
			if err := arr.PutMetadata(key, b); err != nil {
				return errors.Join(ErrWriteCalTdb, err)
			}
		}
	}

	return nil
}
