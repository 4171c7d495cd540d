package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Special role names. Permissions granted to *anonymous apply to every
// visitor including authenticated ones; *authenticated covers any logged-in
// user.
const (
	RoleAnonymous     = "*anonymous"
	RoleAuthenticated = "*authenticated"
)

// ProjectRole is a per-project permission-delegation node ("group" in the
// UI): either a named group (special roles included) or a proxy role for a
// single user. Proxy roles carry a reserved per-user name so the name
// index stays total; named roles leave UserID NULL, which both MySQL and
// SQLite treat as distinct, so the user index only constrains proxies.
// Uniqueness is enforced separately per identity kind: (project, name)
// and (project, user). Roles holds the ids of roles this role delegates
// to; resolution walks these edges. Stored data may contain cycles, so
// traversal must keep a visited set.
type ProjectRole struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	ProjectID uint           `gorm:"uniqueIndex:idx_role_name;uniqueIndex:idx_role_user;not null" json:"project_id"`
	UserID    *uint          `gorm:"uniqueIndex:idx_role_user" json:"user_id,omitempty"`
	Name      string         `gorm:"size:64;uniqueIndex:idx_role_name" json:"name"`
	Roles     datatypes.JSON `json:"roles"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UserRoleName returns the reserved name of a user's proxy role. The `*`
// prefix keeps it out of the namespace CreateRole accepts.
func UserRoleName(userID uint) string {
	return fmt.Sprintf("*user-%d", userID)
}

// Special reports whether this is a special role: a *-prefixed name or a
// user proxy.
func (r *ProjectRole) Special() bool {
	if r.Name != "" {
		return r.Name[0] == '*'
	}
	return r.UserID != nil
}

// Display returns a human readable identifier for the role.
func (r *ProjectRole) Display() string {
	if r.Name != "" {
		return r.Name
	}
	return "*user-role"
}

// DelegatedIDs decodes the delegation list. Corrupt data decodes to an
// empty list so that resolution degrades rather than fails.
func (r *ProjectRole) DelegatedIDs() []uint {
	if len(r.Roles) == 0 {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal(r.Roles, &ids); err != nil {
		return nil
	}
	return ids
}

// SetDelegatedIDs encodes and stores the delegation list on the struct.
func (r *ProjectRole) SetDelegatedIDs(ids []uint) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	r.Roles = datatypes.JSON(b)
	return nil
}
