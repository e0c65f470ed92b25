package docstore

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Compare orders two normalized values (see Normalize). Values of different kinds order
// by kind: null < bool < number < timestamp < string < reference < geopoint < array < map.
func Compare(a, b any) int {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}

	switch ka {
	case KindBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case KindNumber:
		return compareNumbers(a, b)
	case KindTimestamp:
		return a.(time.Time).Compare(b.(time.Time))
	case KindString:
		return strings.Compare(a.(string), b.(string))
	case KindReference:
		return strings.Compare(a.(Reference).Path, b.(Reference).Path)
	case KindGeoPoint:
		ga, gb := a.(GeoPoint), b.(GeoPoint)
		if c := cmp.Compare(ga.Latitude, gb.Latitude); c != 0 {
			return c
		}
		return cmp.Compare(ga.Longitude, gb.Longitude)
	case KindArray:
		aa, ba := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := Compare(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(aa), len(ba))
	case KindMap:
		return compareMaps(a.(map[string]any), b.(map[string]any))
	}
	return 0
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return cmp.Compare(ai, bi)
	}
	return cmp.Compare(toFloat(a), toFloat(b))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func compareMaps(a, b map[string]any) int {
	ak := sortedKeys(a)
	bk := sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ak), len(bk))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Equal reports whether two normalized values are the same kind and compare equal.
// Integers and floats with the same numeric value are equal.
func Equal(a, b any) bool {
	return KindOf(a) == KindOf(b) && Compare(a, b) == 0
}

// Contains reports whether list holds a value Equal to v.
func Contains(list []any, v any) bool {
	for _, item := range list {
		if Equal(item, v) {
			return true
		}
	}
	return false
}
