package ccd

import (
	"errors"
	"fmt"
)

// Header is the keyword store of a primary or extension header. Values are
// whatever the reader produced: string, bool, int, or float64.
type Header map[string]any

// GetKey fetches a typed keyword value. When the keyword is absent a
// required fetch fails with the keyword-missing status and an optional
// fetch returns the supplied default. A stored integer is widened to
// float64 on demand since headers do not distinguish the two reliably.
func GetKey[T any](h Header, name string, def T, required bool) (T, error) {
	raw, ok := h[name]
	if !ok {
		if required {
			return def, errors.Join(ErrKeywordMissing, fmt.Errorf("Error keyword %s not found", name))
		}
		return def, nil
	}

	val, ok := raw.(T)
	if !ok {
		// int-valued keywords are frequently consumed as floats
		if iv, isInt := raw.(int); isInt {
			if fv, wantFloat := any(float64(iv)).(T); wantFloat {
				return fv, nil
			}
		}
		if fv, isFloat := raw.(float64); isFloat {
			if iv, wantInt := any(int(fv)).(T); wantInt {
				return iv, nil
			}
		}
		return def, errors.Join(ErrKeywordMissing, fmt.Errorf("Error keyword %s has unexpected type %T", name, raw))
	}
	return val, nil
}

// PutKey stores a keyword value.
func PutKey(h Header, name string, value any) {
	h[name] = value
}

// AddHistory appends a free-form history record to a header. History
// entries accumulate rather than overwrite.
func AddHistory(h Header, entry string) {
	lines, _ := h["HISTORY"].([]string)
	h["HISTORY"] = append(lines, entry)
}

// LinearMap is the reference-to-image coordinate transform carried in the
// LTM/LTV header keywords. Header values are one-indexed; the load path
// converts to the zero-indexed form
//
//	x_img = M*x_ref + V
//
// with V absorbing the (M - 1) shift.
type LinearMap struct {
	M [2]float64
	V [2]float64
}

// GetLinearMap reads LTM1_1, LTM2_2, LTV1 and LTV2 and returns the
// zero-indexed transform. Missing keywords default to the identity.
func GetLinearMap(h Header) (LinearMap, error) {
	var lm LinearMap

	m1, err := GetKey(h, "LTM1_1", 1.0, false)
	if err != nil {
		return lm, err
	}
	m2, err := GetKey(h, "LTM2_2", 1.0, false)
	if err != nil {
		return lm, err
	}
	v1, err := GetKey(h, "LTV1", 0.0, false)
	if err != nil {
		return lm, err
	}
	v2, err := GetKey(h, "LTV2", 0.0, false)
	if err != nil {
		return lm, err
	}

	lm.M[0] = m1
	lm.M[1] = m2
	lm.V[0] = v1 + (m1 - 1.0)
	lm.V[1] = v2 + (m2 - 1.0)

	return lm, nil
}
