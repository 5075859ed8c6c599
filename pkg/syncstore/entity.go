package syncstore

import (
	"fmt"
	"maps"
	"reflect"
	"strconv"
)

// ID identifies an entity within its type. Integer backend ids are carried in
// decimal form; document-style entity types use their string id directly.
type ID string

// IDFromInt renders a backend integer id.
func IDFromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// FieldID is the field every record must carry.
const FieldID = "id"

// ChangeKind classifies a change to an entity.
type ChangeKind int

const (
	// Created means the entity did not exist before.
	Created ChangeKind = iota
	// Updated means some of the entity's fields changed.
	Updated
	// Deleted means the entity no longer exists.
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one observed or intended change to an entity. For updates,
// Record may be a partial field set; OldRecord, when available, carries the
// pre-change values of the touched fields and is used for membership and
// sort-key comparisons.
type Change struct {
	EntityType string
	Kind       ChangeKind
	Record     Record
	OldRecord  Record
}

// Record is one entity as the client knows it: a flat field bag with scalar
// values plus denormalized summaries of referenced entities (nested maps).
// A denormalized copy refreshes only through the embedding entity's own
// update events; there is no transitive propagation from the referenced
// entity to every record embedding it.
type Record map[string]any

// ID returns the record's id, or "" when absent.
func (r Record) ID() ID {
	v, ok := r[FieldID]
	if !ok {
		return ""
	}

	return ID(FieldString(v))
}

// Field returns the named field's value and whether it is present.
func (r Record) Field(name string) (any, bool) {
	v, ok := r[name]
	return v, ok
}

// Clone returns a copy of the record with a fresh top-level map identity.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}

	return maps.Clone(r)
}

// Merge overlays patch onto r field by field and returns a new record.
// Fields the patch does not mention keep their current values, so a partial
// update payload never erases data the server did not resend.
func (r Record) Merge(patch Record) Record {
	out := make(Record, len(r)+len(patch))
	maps.Copy(out, r)
	maps.Copy(out, patch)

	return out
}

// Equal reports observational equality: same fields, same values.
func (r Record) Equal(other Record) bool {
	return reflect.DeepEqual(r, other)
}

// FieldString renders a field value the way predicates compare it: numbers in
// their shortest decimal form, booleans as true/false, nil as the empty
// string.
func FieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
