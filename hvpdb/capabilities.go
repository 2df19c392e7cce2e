package hvpdb

import (
	"context"

	"github.com/8w6s/hvpdb/group"
)

// Capabilities is the narrow surface handed to an external plugin host
// (spec §9: "expose a narrow set of capability groups... without runtime
// dispatch beyond them"). Plugins themselves are out of scope (spec
// §4.1's Non-goals), but the handle they would receive is in scope: it
// groups storage access, auth, and user management into one small
// interface instead of handing out *Database wholesale.
type Capabilities interface {
	// Group returns the named group's handle for document operations.
	Group(name string) (*group.Group, error)
	GetAllGroups() []string

	// Authenticate verifies a username/password pair against the users
	// section.
	Authenticate(username, password string) bool
	CheckPermission(username, groupName string) bool
	SetUserPassword(username, password string) error

	// Commit/Refresh expose the checkpoint lifecycle a plugin may need to
	// drive explicitly (e.g. a scheduled compaction plugin).
	Commit() error
	Refresh(force bool) error

	WithTransaction(ctx context.Context, fn func(context.Context) error) error
}

var _ Capabilities = (*Database)(nil)
