package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Permission names understood by the tools. Tools may define more; the ACL
// layer treats permissions as opaque strings.
const (
	PermRead      = "read"
	PermWrite     = "write"
	PermPost      = "post"
	PermComment   = "comment"
	PermModerate  = "moderate"
	PermConfigure = "configure"
)

// ACL maps a permission name to the list of role ids granted it. It is
// stored as a JSON column on the owning artifact or tool config. An absent
// permission key means deny (subject to container fallback).
type ACL map[string][]uint

// DecodeACL parses an ACL JSON column. Invalid or empty input decodes to an
// empty ACL rather than failing, since a corrupt ACL must fail closed.
func DecodeACL(raw datatypes.JSON) ACL {
	acl := ACL{}
	if len(raw) == 0 {
		return acl
	}
	if err := json.Unmarshal(raw, &acl); err != nil {
		return ACL{}
	}
	return acl
}

// Encode serializes the ACL for storage.
func (a ACL) Encode() (datatypes.JSON, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// Grant adds a role id to the permission's granted list, keeping the list
// free of duplicates.
func (a ACL) Grant(permission string, roleID uint) {
	for _, id := range a[permission] {
		if id == roleID {
			return
		}
	}
	a[permission] = append(a[permission], roleID)
}

// Revoke removes a role id from the permission's granted list.
func (a ACL) Revoke(permission string, roleID uint) {
	granted := a[permission]
	for i, id := range granted {
		if id == roleID {
			a[permission] = append(granted[:i], granted[i+1:]...)
			return
		}
	}
}

// Defines reports whether the ACL carries an entry for the permission at
// all. A defined-but-empty list still counts as defined: it overrides the
// container ACL with an explicit deny.
func (a ACL) Defines(permission string) bool {
	_, ok := a[permission]
	return ok
}
