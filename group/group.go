// Package group implements one named document container: insert/update/
// delete/find, unique and non-unique indexes kept consistent with every
// mutation, and the before-image rollback discipline spec §4.5 requires.
// Grounded on original_source/hvpdb/core.py's Group class for exact
// semantics, wired onto the storage package's WAL/snapshot plumbing the
// way the teacher pack wires its StorageEngine onto pkg/wal and pkg/btree.
package group

import (
	"context"
	"sort"
	"time"

	"github.com/8w6s/hvpdb/query"
	"github.com/8w6s/hvpdb/storage"
	"github.com/8w6s/hvpdb/wal"
	"github.com/google/uuid"
)

// Document is a schemaless, map-valued record identified by its "_id"
// field (spec §3 "Document").
type Document = map[string]interface{}

// Group is a handle onto one named container of documents, bound to the
// Storage instance that owns its durable state.
type Group struct {
	name string
	st   *storage.Storage

	indexes map[string]*fieldIndex
}

// New constructs a Group handle for name, bound to st. It does not
// allocate storage for the group; documents() does that lazily the same
// way original_source's dict-of-dicts layout implicitly creates groups on
// first write.
func New(name string, st *storage.Storage) *Group {
	return &Group{name: name, st: st, indexes: make(map[string]*fieldIndex)}
}

func (g *Group) documents() map[string]Document {
	docs, ok := g.st.Groups()[g.name]
	if !ok {
		docs = make(map[string]Document)
		g.st.Groups()[g.name] = docs
	}
	return docs
}

func (g *Group) specs() map[string]storage.IndexSpec {
	specs, ok := g.st.Indexes()[g.name]
	if !ok {
		specs = make(map[string]storage.IndexSpec)
		g.st.Indexes()[g.name] = specs
	}
	return specs
}

// RebuildIndexes repopulates every in-memory index value map from the
// persisted (field -> unique) specs plus the live documents, per spec
// §4.5's "_rebuild_indexes runs on load for every group".
func (g *Group) RebuildIndexes() error {
	g.indexes = make(map[string]*fieldIndex)
	docs := g.documents()
	for field, spec := range g.specs() {
		fi := newFieldIndex(spec.Unique)
		g.indexes[field] = fi
		for id, doc := range docs {
			value, ok := doc[field]
			if !ok {
				continue
			}
			if spec.Unique {
				if err := fi.checkUnique(field, value, id); err != nil {
					return err
				}
			}
			if err := fi.add(field, value, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateIndex registers field as indexed, scanning existing documents to
// populate it and, for unique=true, to detect any existing duplicate
// (spec §4.5 create-index).
func (g *Group) CreateIndex(field string, unique bool) error {
	fi := newFieldIndex(unique)
	docs := g.documents()
	for id, doc := range docs {
		value, ok := doc[field]
		if !ok {
			continue
		}
		if unique {
			if err := fi.checkUnique(field, value, id); err != nil {
				return err
			}
		}
		if err := fi.add(field, value, id); err != nil {
			return err
		}
	}
	g.indexes[field] = fi
	g.specs()[field] = storage.IndexSpec{Unique: unique}
	g.st.MarkDirty()
	return nil
}

// checkUniqueConstraints runs the "unique pre-check" of spec §4.5 before
// any mutation of memory, so a violation is detected before anything durable
// is written or in-memory state changed. It also guards every indexed
// field present in newDoc against non-scalar values (not only the unique
// ones), so an unindexable value is rejected before indexes or documents
// are touched rather than panicking partway through updateIndexes.
func (g *Group) checkUniqueConstraints(id string, oldDoc, newDoc Document) error {
	for field, fi := range g.indexes {
		newValue, hasNew := newDoc[field]
		if !hasNew {
			continue
		}
		if err := indexableValue(field, newValue); err != nil {
			return err
		}
		if !fi.unique {
			continue
		}
		if oldDoc != nil {
			if oldValue, hasOld := oldDoc[field]; hasOld && query.Equal(oldValue, newValue) {
				continue
			}
		}
		if err := fi.checkUnique(field, newValue, id); err != nil {
			return err
		}
	}
	return nil
}

// updateIndexes applies the non-unique and unique update rules of spec
// §4.5 for the (oldDoc, newDoc) transition of id. oldDoc is nil for
// inserts, newDoc is nil for deletes. Every value reaching here has
// already passed checkUniqueConstraints, so add failing is not expected in
// the normal path; the error is still propagated rather than ignored.
func (g *Group) updateIndexes(id string, oldDoc, newDoc Document) error {
	for field, fi := range g.indexes {
		var oldValue, newValue interface{}
		var hasOld, hasNew bool
		if oldDoc != nil {
			oldValue, hasOld = oldDoc[field]
		}
		if newDoc != nil {
			newValue, hasNew = newDoc[field]
		}
		if hasOld {
			fi.remove(oldValue, id)
		}
		if hasNew {
			if err := fi.add(field, newValue, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Group) beginImplicit(ctx context.Context) (txn string, implicit bool) {
	if ambient, ok := AmbientTxn(ctx); ok {
		return ambient, false
	}
	return g.st.BeginTxn(), true
}

func (g *Group) finishImplicit(txn string, implicit bool, failed bool) error {
	if !implicit {
		return nil
	}
	if failed {
		return g.st.RollbackTxn(txn)
	}
	return g.st.CommitTxn(txn)
}

// Insert stores doc, generating "_id" if absent and stamping
// "_created_at". If ctx carries no ambient transaction, an implicit one is
// opened and committed around this single operation (spec §4.5 Insert).
func (g *Group) Insert(ctx context.Context, doc Document) (Document, error) {
	id, _ := doc["_id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	doc = cloneDocument(doc)
	doc["_id"] = id
	doc["_created_at"] = time.Now().Unix()

	if err := g.checkUniqueConstraints(id, nil, doc); err != nil {
		return nil, err
	}

	txn, implicit := g.beginImplicit(ctx)

	g.documents()[id] = doc
	if err := g.updateIndexes(id, nil, doc); err != nil {
		delete(g.documents(), id)
		g.finishImplicit(txn, implicit, true)
		return nil, err
	}

	if err := g.st.AppendData(txn, wal.Insert, g.name, id, doc, nil); err != nil {
		delete(g.documents(), id)
		g.updateIndexes(id, doc, nil)
		g.finishImplicit(txn, implicit, true)
		return nil, err
	}

	if err := g.finishImplicit(txn, implicit, false); err != nil {
		return nil, err
	}
	return doc, nil
}

// updateChange records one successfully applied per-document mutation
// within an Update/Delete batch, so a later failure in the same batch can
// undo every change made so far, not just the one in flight.
type updateChange struct {
	id     string
	before Document
	after  Document
}

// Update finds documents matching q and merges patch field-wise into each,
// with before-image capture and rollback on failure (spec §4.5 Update). A
// failure partway through a multi-document match restores every
// document's memory and indexes already applied earlier in this call, in
// reverse order, before returning the error — not just the document that
// failed (original_source/hvpdb/core.py's update() keeps a mod_log for
// exactly this reason).
func (g *Group) Update(ctx context.Context, q query.Query, patch Document) ([]Document, error) {
	ids := g.plan(q)
	if ids == nil {
		return nil, nil
	}

	txn, implicit := g.beginImplicit(ctx)
	docs := g.documents()
	var applied []updateChange

	undoApplied := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			c := applied[i]
			docs[c.id] = c.before
			g.updateIndexes(c.id, c.after, c.before)
		}
	}

	for _, id := range ids {
		before := cloneDocument(docs[id])
		after := cloneDocument(before)
		for k, v := range patch {
			after[k] = v
		}
		after["_id"] = id

		if err := g.checkUniqueConstraints(id, before, after); err != nil {
			undoApplied()
			g.finishImplicit(txn, implicit, true)
			return nil, err
		}

		docs[id] = after
		if err := g.updateIndexes(id, before, after); err != nil {
			docs[id] = before
			undoApplied()
			g.finishImplicit(txn, implicit, true)
			return nil, err
		}

		if err := g.st.AppendData(txn, wal.Update, g.name, id, after, before); err != nil {
			docs[id] = before
			g.updateIndexes(id, after, before)
			undoApplied()
			g.finishImplicit(txn, implicit, true)
			return nil, err
		}
		applied = append(applied, updateChange{id: id, before: before, after: after})
	}

	if err := g.finishImplicit(txn, implicit, false); err != nil {
		return nil, err
	}

	updated := make([]Document, 0, len(applied))
	for _, c := range applied {
		updated = append(updated, c.after)
	}
	return updated, nil
}

// Delete finds documents matching q and removes each, reinserting
// before-images on failure (spec §4.5 Delete). As with Update, a failure
// partway through a multi-document match reinserts every document already
// removed earlier in this call, in reverse order, not just the one that
// failed.
func (g *Group) Delete(ctx context.Context, q query.Query) (int, error) {
	ids := g.plan(q)
	if ids == nil {
		return 0, nil
	}

	txn, implicit := g.beginImplicit(ctx)
	docs := g.documents()
	var applied []updateChange

	undoApplied := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			c := applied[i]
			docs[c.id] = c.before
			g.updateIndexes(c.id, nil, c.before)
		}
	}

	for _, id := range ids {
		before := cloneDocument(docs[id])
		delete(docs, id)
		g.updateIndexes(id, before, nil)

		if err := g.st.AppendData(txn, wal.Delete, g.name, id, nil, before); err != nil {
			docs[id] = before
			g.updateIndexes(id, nil, before)
			undoApplied()
			g.finishImplicit(txn, implicit, true)
			return len(applied), err
		}
		applied = append(applied, updateChange{id: id, before: before})
	}

	if err := g.finishImplicit(txn, implicit, false); err != nil {
		return len(applied), err
	}
	return len(applied), nil
}

// plan runs the index-intersection planner of spec §4.5's find algorithm
// and returns the sorted ids of the documents matching q. When nothing
// matches the result is empty, and may be nil.
func (g *Group) plan(q query.Query) []string {
	docs := g.documents()

	// Sort field names so that, when a query names more than one unique
	// index, "first such key wins" (spec §4.5 step 1) is deterministic
	// rather than dependent on Go's randomized map iteration order.
	fields := make([]string, 0, len(q))
	for field := range q {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if fi, ok := g.indexes[field]; ok && fi.unique {
			id, found := fi.lookupUnique(q[field])
			if !found {
				return nil
			}
			if doc, ok := docs[id]; ok && query.Match(doc, q) {
				return []string{id}
			}
			return nil
		}
	}

	var candidates map[string]struct{}
	matchedAnyIndex := false
	for _, field := range fields {
		fi, ok := g.indexes[field]
		if !ok || fi.unique {
			continue
		}
		ids, found := fi.lookupMulti(q[field])
		if !found {
			return nil
		}
		matchedAnyIndex = true
		if candidates == nil {
			candidates = make(map[string]struct{}, len(ids))
			for id := range ids {
				candidates[id] = struct{}{}
			}
			continue
		}
		for id := range candidates {
			if _, ok := ids[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	if matchedAnyIndex {
		out := make([]string, 0, len(candidates))
		for id := range candidates {
			if query.Match(docs[id], q) {
				out = append(out, id)
			}
		}
		sort.Strings(out)
		return out
	}

	out := query.Scan(docs, q)
	sort.Strings(out)
	return out
}

// Find returns every document matching q.
func (g *Group) Find(q query.Query) []Document {
	docs := g.documents()
	ids := g.plan(q)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, docs[id])
	}
	return out
}

// FindOne returns the first document matching q (spec §4.5 find_one). It
// runs the full planner and returns the document of the first id in its
// sorted result.
func (g *Group) FindOne(q query.Query) (Document, bool) {
	ids := g.plan(q)
	if len(ids) == 0 {
		return nil, false
	}
	return g.documents()[ids[0]], true
}

// Count returns len(Find(q)).
func (g *Group) Count(q query.Query) int {
	return len(g.plan(q))
}

// AuditTrail returns the WAL history for this group (optionally filtered
// to one document id), newest first, up to limit entries. This is
// SPEC_FULL's supplemented audit-trail read feature, grounded on
// original_source/hvpdb/storage.py's read_audit_log.
func (g *Group) AuditTrail(id string, limit int) ([]wal.Record, error) {
	var results []wal.Record
	err := g.st.WALReplayAll(func(rec wal.Record) {
		if rec.Type != wal.Data || rec.Group != g.name {
			return
		}
		if id != "" && rec.ID != id {
			return
		}
		results = append(results, rec)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Timestamp > results[j].Timestamp })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cloneDocument(doc Document) Document {
	if doc == nil {
		return make(Document)
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
