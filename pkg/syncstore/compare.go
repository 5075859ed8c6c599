package syncstore

import (
	"cmp"
	"strings"
	"time"
)

// Comparator orders two records; negative means a sorts before b.
type Comparator func(a, b Record) int

// FieldComparator derives the total order for one sort spec:
//
//   - absent/nil values sort first ascending, last descending;
//   - ISO-date-prefixed strings compare by parsed timestamp;
//   - numeric values compare numerically;
//   - everything else compares as case-insensitive strings.
//
// Ties between equal keys keep whatever relative order insertion produced;
// the binary-search insertion is not stable across equal keys and does not
// need to be.
func FieldComparator(sort SortSpec) Comparator {
	return func(a, b Record) int {
		av, _ := a.Field(sort.Field)
		bv, _ := b.Field(sort.Field)

		c := CompareValues(av, bv)
		if sort.Desc {
			return -c
		}

		return c
	}
}

// CompareValues implements the ascending value order used by every store
// comparator. It must stay a total order: any two field values compare
// consistently regardless of which store asks.
func CompareValues(av, bv any) int {
	switch {
	case av == nil && bv == nil:
		return 0
	case av == nil:
		return -1
	case bv == nil:
		return 1
	}

	an, aIsNum := numericValue(av)
	bn, bIsNum := numericValue(bv)

	if aIsNum && bIsNum {
		return cmp.Compare(an, bn)
	}

	as, aIsStr := av.(string)
	bs, bIsStr := bv.(string)

	if aIsStr && bIsStr {
		at, aIsDate := parseDateLike(as)
		bt, bIsDate := parseDateLike(bs)

		if aIsDate && bIsDate {
			return at.Compare(bt)
		}
	}

	return strings.Compare(
		strings.ToLower(FieldString(av)),
		strings.ToLower(FieldString(bv)),
	)
}

func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// dateLayouts are tried in order for strings with an ISO date prefix.
var dateLayouts = []string{ //nolint:gochecknoglobals // package-level constant
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDateLike recognizes strings starting with an ISO date (YYYY-MM-DD) and
// parses them to a timestamp so "2024-01-05" sorts between "2024-01-01" and
// "2024-01-10" numerically rather than lexicographically across formats.
func parseDateLike(s string) (time.Time, bool) {
	if !hasISODatePrefix(s) {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

func hasISODatePrefix(s string) bool {
	const prefixLen = len("2006-01-02")

	if len(s) < prefixLen {
		return false
	}

	for i := range prefixLen {
		c := s[i]

		switch i {
		case 4, 7:
			if c != '-' {
				return false
			}
		default:
			if c < '0' || c > '9' {
				return false
			}
		}
	}

	return true
}
