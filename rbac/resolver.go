package rbac

import "github.com/forgeboard/forgeboard/models"

// Allowed decides whether the effective role set holds the permission under
// ACL layering: the artifact ACL wins when it defines an entry for the
// permission (even an empty one, which is an explicit deny); otherwise the
// container ACL is consulted. A permission absent from both layers is
// denied. The check itself is a set intersection, so granting additional
// roles can only widen access.
func Allowed(roles RoleSet, permission string, artifactACL, containerACL models.ACL) bool {
	if artifactACL != nil && artifactACL.Defines(permission) {
		return intersects(roles, artifactACL[permission])
	}
	if containerACL != nil && containerACL.Defines(permission) {
		return intersects(roles, containerACL[permission])
	}
	return false
}

func intersects(roles RoleSet, granted []uint) bool {
	for _, id := range granted {
		if roles.Contains(id) {
			return true
		}
	}
	return false
}
