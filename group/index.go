package group

import (
	"reflect"

	"github.com/8w6s/hvpdb/internal/hvperrors"
)

// indexableValue rejects values that cannot serve as a Go map key: the
// document model (spec glossary "Value" = scalar | Array | Map) permits a
// field to hold a slice or nested map, but neither hashes, so using one
// directly as an index key would panic. Indexing such a field fails
// cleanly instead, per SPEC_FULL §A.2's "never panics on caller-reachable
// bad input".
func indexableValue(field string, value interface{}) error {
	switch reflect.ValueOf(value).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return hvperrors.InvalidArgumentf("field %q holds a non-scalar value and cannot be indexed", field)
	}
	return nil
}

// fieldIndex holds the in-memory value->id(s) mapping for one indexed
// field. Only the (field -> unique) specs are persisted in the snapshot
// (spec §4.4 "_indexes"); the value maps themselves are rebuilt from the
// live documents on every load (spec §4.5 "_rebuild_indexes").
type fieldIndex struct {
	unique bool
	// unique indexes map value -> the one id holding it.
	uniqueValues map[interface{}]string
	// non-unique indexes map value -> set of ids holding it.
	multiValues map[interface{}]map[string]struct{}
}

func newFieldIndex(unique bool) *fieldIndex {
	fi := &fieldIndex{unique: unique}
	if unique {
		fi.uniqueValues = make(map[interface{}]string)
	} else {
		fi.multiValues = make(map[interface{}]map[string]struct{})
	}
	return fi
}

func (fi *fieldIndex) lookupUnique(value interface{}) (string, bool) {
	id, ok := fi.uniqueValues[value]
	return id, ok
}

func (fi *fieldIndex) lookupMulti(value interface{}) (map[string]struct{}, bool) {
	ids, ok := fi.multiValues[value]
	return ids, ok
}

// checkUnique fails if value is already claimed by a different id, per the
// "unique pre-check" step of spec §4.5's index maintenance rule.
func (fi *fieldIndex) checkUnique(field string, value interface{}, id string) error {
	if err := indexableValue(field, value); err != nil {
		return err
	}
	if existing, ok := fi.uniqueValues[value]; ok && existing != id {
		return hvperrors.Duplicatef("unique index on %q already has value %v", field, value)
	}
	return nil
}

// remove drops id from value's entry (unique or non-unique), cleaning up
// an emptied non-unique set.
func (fi *fieldIndex) remove(value interface{}, id string) {
	if fi.unique {
		if existing, ok := fi.uniqueValues[value]; ok && existing == id {
			delete(fi.uniqueValues, value)
		}
		return
	}
	if ids, ok := fi.multiValues[value]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(fi.multiValues, value)
		}
	}
}

// add claims value for id. field is the index's own field name, used only
// to build an error message if value turns out to be unindexable.
func (fi *fieldIndex) add(field string, value interface{}, id string) error {
	if err := indexableValue(field, value); err != nil {
		return err
	}
	if fi.unique {
		fi.uniqueValues[value] = id
		return nil
	}
	ids, ok := fi.multiValues[value]
	if !ok {
		ids = make(map[string]struct{})
		fi.multiValues[value] = ids
	}
	ids[id] = struct{}{}
	return nil
}
