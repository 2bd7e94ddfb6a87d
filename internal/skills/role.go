package skills

import "fmt"

// Role identifies a pipeline participant. Each role maps to one Skill.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleArchitect  Role = "architect"
	RoleBackend    Role = "backend"
	RoleFrontend   Role = "frontend"
	RoleDatabase   Role = "database"
	RoleDevOps     Role = "devops"
	RoleQA         Role = "qa"
	RoleReviewer   Role = "reviewer"
	RoleArbitrator Role = "arbitrator"
	RoleAuditor    Role = "auditor"
	RoleDebugger   Role = "debugger"
)

// AllRoles lists every built-in role.
func AllRoles() []Role {
	return []Role{
		RolePlanner, RoleArchitect, RoleBackend, RoleFrontend, RoleDatabase,
		RoleDevOps, RoleQA, RoleReviewer, RoleArbitrator, RoleAuditor, RoleDebugger,
	}
}

// BuildRoles are the roles that may be activated for role planning and
// implementation.
func BuildRoles() []Role {
	return []Role{RoleBackend, RoleFrontend, RoleDatabase, RoleDevOps, RoleQA}
}

// Validate checks if the Role is a valid enum value.
func (r Role) Validate() error {
	switch r {
	case RolePlanner, RoleArchitect, RoleBackend, RoleFrontend, RoleDatabase,
		RoleDevOps, RoleQA, RoleReviewer, RoleArbitrator, RoleAuditor, RoleDebugger:
		return nil
	default:
		return fmt.Errorf("unknown role: %q", r)
	}
}

// IsBuildRole reports whether the role produces a role plan.
func (r Role) IsBuildRole() bool {
	for _, b := range BuildRoles() {
		if r == b {
			return true
		}
	}
	return false
}
