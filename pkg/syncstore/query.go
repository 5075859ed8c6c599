package syncstore

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// SortSpec names the active sort field and direction of one view.
type SortSpec struct {
	Field string
	Desc  bool
}

// Signature deterministically encodes the identity of one view's query:
// entity type, filter values, sort field and direction. Two views with equal
// signatures enforce the same predicate and ordering and may share one store;
// any difference in filters or sort must produce a different signature.
type Signature struct {
	EntityType string
	Filters    map[string]string
	Sort       SortSpec

	raw string
}

// Signature wire format, four pipe-separated parts:
//
//	entityType | k1=v1,k2=v2 | sortField | asc|desc
//
// Filter keys and values are url-escaped; keys are sorted so the encoding is
// canonical.
const (
	signatureParts = 4
	dirAsc         = "asc"
	dirDesc        = "desc"
)

// EncodeSignature builds the canonical signature string for a query.
func EncodeSignature(entityType string, filters map[string]string, sort SortSpec) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(filters[k]))
	}

	dir := dirAsc
	if sort.Desc {
		dir = dirDesc
	}

	return strings.Join([]string{
		url.QueryEscape(entityType),
		strings.Join(pairs, ","),
		url.QueryEscape(sort.Field),
		dir,
	}, "|")
}

// ParseSignature decodes a signature string. Errors wrap
// ErrMalformedSignature so callers can skip the store defensively instead of
// corrupting it.
func ParseSignature(raw string) (Signature, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != signatureParts {
		return Signature{}, fmt.Errorf("%w: %q has %d parts, want %d", ErrMalformedSignature, raw, len(parts), signatureParts)
	}

	entityType, err := url.QueryUnescape(parts[0])
	if err != nil {
		return Signature{}, fmt.Errorf("%w: bad entity type in %q: %v", ErrMalformedSignature, raw, err)
	}

	if entityType == "" {
		return Signature{}, fmt.Errorf("%w: empty entity type in %q", ErrMalformedSignature, raw)
	}

	filters := map[string]string{}

	if parts[1] != "" {
		for pair := range strings.SplitSeq(parts[1], ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return Signature{}, fmt.Errorf("%w: filter %q in %q has no value", ErrMalformedSignature, pair, raw)
			}

			key, err := url.QueryUnescape(k)
			if err != nil || key == "" {
				return Signature{}, fmt.Errorf("%w: bad filter key %q in %q", ErrMalformedSignature, k, raw)
			}

			val, err := url.QueryUnescape(v)
			if err != nil {
				return Signature{}, fmt.Errorf("%w: bad filter value %q in %q", ErrMalformedSignature, v, raw)
			}

			filters[key] = val
		}
	}

	sortField, err := url.QueryUnescape(parts[2])
	if err != nil {
		return Signature{}, fmt.Errorf("%w: bad sort field in %q: %v", ErrMalformedSignature, raw, err)
	}

	var desc bool

	switch parts[3] {
	case dirAsc:
		desc = false
	case dirDesc:
		desc = true
	default:
		return Signature{}, fmt.Errorf("%w: bad direction %q in %q", ErrMalformedSignature, parts[3], raw)
	}

	return Signature{
		EntityType: entityType,
		Filters:    filters,
		Sort:       SortSpec{Field: sortField, Desc: desc},
		raw:        raw,
	}, nil
}

// String returns the canonical encoded form.
func (s Signature) String() string {
	if s.raw != "" {
		return s.raw
	}

	return EncodeSignature(s.EntityType, s.Filters, s.Sort)
}

// Matches reports whether a record satisfies every filter of the signature.
// Filter comparison is string equality over the rendered field value, which
// is how the server-side query contract filters as well.
func (s Signature) Matches(rec Record) bool {
	for field, want := range s.Filters {
		got, ok := rec.Field(field)
		if !ok {
			return false
		}

		if FieldString(got) != want {
			return false
		}
	}

	return true
}

// Comparator derives the ordering the signature's store enforces.
func (s Signature) Comparator() Comparator {
	return FieldComparator(s.Sort)
}
