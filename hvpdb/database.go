// Package hvpdb is the embedded, encrypted, single-writer document store
// described across the whole spec: it wires security, WAL, storage,
// group, and query into the Database facade an application actually
// imports. Grounded on original_source/hvpdb/core.py's HVPDB class for the
// facade's exact behavior, and on the teacher pack's top-level engine
// struct for the Go shape of "one struct owning the whole lifecycle".
package hvpdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/8w6s/hvpdb/group"
	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/8w6s/hvpdb/internal/hvplog"
	"github.com/8w6s/hvpdb/security"
	"github.com/8w6s/hvpdb/storage"
)

// invalidGroupChars mirrors original_source/hvpdb/core.py's group name
// validation: reject empty names and any of the listed filesystem-hostile
// characters, since a cluster-mode deployment would use the name as a
// file name.
const invalidGroupChars = `\/:*?"<>|`

// Database is the top-level handle returned by Open. It owns one Storage
// instance and caches one *group.Group per name that has been touched.
type Database struct {
	path string
	opts Options

	st *storage.Storage

	mu     sync.Mutex
	groups map[string]*group.Group
}

// Open opens (or creates) the database at path. A bare name or one ending
// in ".hvp" opens the single-file variant this package implements; a path
// ending in ".hvdb" names the cluster-directory variant spec §4.6 permits
// leaving unimplemented, and is rejected with Unsupported.
func Open(path, password string, opts Options) (*Database, error) {
	if strings.HasSuffix(path, ".hvdb") {
		return nil, hvperrors.Unsupportedf("cluster (.hvdb) storage is not implemented")
	}
	normalized := storage.Normalize(path)

	st, err := storage.Open(normalized, password, opts)
	if err != nil {
		return nil, err
	}

	db := &Database{
		path:   normalized,
		opts:   opts,
		st:     st,
		groups: make(map[string]*group.Group),
	}

	if err := db.ensureRootUser(); err != nil {
		st.Close()
		return nil, err
	}

	for name := range st.Groups() {
		if _, err := db.group(name); err != nil {
			st.Close()
			return nil, err
		}
	}

	hvplog.WithComponent("db").Info().Str("path", normalized).Msg("database opened")
	return db, nil
}

func validateGroupName(name string) error {
	if name == "" {
		return hvperrors.InvalidArgumentf("group name must not be empty")
	}
	if strings.ContainsAny(name, invalidGroupChars) {
		return hvperrors.InvalidArgumentf("invalid group name %q", name)
	}
	return nil
}

// Group validates name and returns its cached handle, constructing one
// (and rebuilding its indexes) on first use.
func (db *Database) Group(name string) (*group.Group, error) {
	return db.group(name)
}

func (db *Database) group(name string) (*group.Group, error) {
	if err := validateGroupName(name); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if g, ok := db.groups[name]; ok {
		return g, nil
	}

	g := group.New(name, db.st)
	if err := g.RebuildIndexes(); err != nil {
		return nil, err
	}
	db.groups[name] = g
	return g, nil
}

// GetAllGroups returns the names of every group in the in-memory database
// state, including groups not yet checkpointed to the snapshot, sorted.
func (db *Database) GetAllGroups() []string {
	names := make([]string, 0, len(db.st.Groups()))
	for name := range db.st.Groups() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commit runs Save if dirty (spec §4.6 commit()).
func (db *Database) Commit() error { return db.st.Commit() }

// Refresh reloads state from the snapshot+WAL and rebuilds every cached
// group's indexes (spec §4.6 refresh()).
func (db *Database) Refresh(force bool) error {
	if err := db.st.Refresh(force); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, g := range db.groups {
		if err := g.RebuildIndexes(); err != nil {
			return err
		}
	}
	return nil
}

// Close commits, clears the security key, and closes the WAL (spec §4.6
// close()).
func (db *Database) Close() error {
	return db.st.Close()
}

// Begin opens a scoped Transaction bound to ctx, per spec §4.7.
func (db *Database) Begin(ctx context.Context) *Transaction {
	txn := db.st.BeginTxn()
	return &Transaction{db: db, ctx: group.WithTxn(ctx, txn), txn: txn}
}

// WithTransaction runs fn with ctx bound to a fresh transaction: a nil
// return from fn commits, any error rolls back. This is the idiomatic Go
// counterpart to the "with db.begin() as tx:" scoped block in
// original_source/hvpdb/transaction.py.
func (db *Database) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	tx := db.Begin(ctx)
	if err := fn(tx.Context()); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			hvplog.WithComponent("db").Warn().Err(rbErr).Msg("rollback after transaction error failed")
		}
		return err
	}
	return tx.Commit()
}

func (db *Database) ensureRootUser() error {
	users := db.st.Users()
	if _, ok := users["root"]; ok {
		return nil
	}
	users["root"] = storage.UserRecord{
		Role:      "admin",
		Groups:    []string{"*"},
		CreatedAt: time.Now().Unix(),
	}
	db.st.MarkDirty()
	return nil
}

// HashUserPassword Argon2id-hashes a password for storage in a user
// record. It never accepts an empty password.
func (db *Database) HashUserPassword(password string) (string, error) {
	return security.HashPassword(password)
}

// Authenticate verifies username/password against the users section and,
// on success, returns true. Its return value does not distinguish "unknown
// user" from "wrong password". An unknown user, or one with no password
// hash, returns false at once without hashing; otherwise the stored hash
// is compared in constant time.
func (db *Database) Authenticate(username, password string) bool {
	user, ok := db.st.Users()[username]
	if !ok || user.PasswordHash == "" {
		return false
	}
	return security.VerifyPassword(user.PasswordHash, password)
}

// CheckPermission reports whether username may access groupName: admins
// may access everything; other users need groupName (or "*") in their
// Groups list.
func (db *Database) CheckPermission(username, groupName string) bool {
	user, ok := db.st.Users()[username]
	if !ok {
		return false
	}
	if user.Role == "admin" {
		return true
	}
	for _, g := range user.Groups {
		if g == groupName || g == "*" {
			return true
		}
	}
	return false
}

// SetUserPassword hashes and stores password for username, creating the
// user record if absent (role defaults to "user").
func (db *Database) SetUserPassword(username, password string) error {
	hash, err := security.HashPassword(password)
	if err != nil {
		return err
	}
	users := db.st.Users()
	user, ok := users[username]
	if !ok {
		user = storage.UserRecord{Role: "user", CreatedAt: time.Now().Unix()}
	}
	user.PasswordHash = hash
	users[username] = user
	db.st.MarkDirty()
	return nil
}

// ChangePassword rotates the database's own encryption password (not a
// user record's password hash) — SPEC_FULL §D.3's supplemented feature.
func (db *Database) ChangePassword(newPassword string) error {
	return db.st.ChangePassword(newPassword)
}
