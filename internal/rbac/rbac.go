// Package rbac defines the capability model for notebook access.
package rbac

type Role string
type Capability string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	CapView  Capability = "view"
	CapEdit  Capability = "edit"
	CapAdmin Capability = "admin"
)

func Can(role Role, capability Capability) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return capability == CapView || capability == CapEdit
	case RoleViewer:
		return capability == CapView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
