package models

// Role of the acting user, resolved by the identity layer at call time
type Role string

const (
	RoleUser       Role = "USER"
	RolePM         Role = "PM"
	RolePO         Role = "PO"
	RoleResearcher Role = "RESEARCHER"
	RoleAdmin      Role = "ADMIN"
)

// CanMerge reports whether the role may consolidate duplicates
func (r Role) CanMerge() bool {
	return r == RolePM || r == RolePO || r == RoleAdmin
}

// CanTriage reports whether the role may perform manual state transitions
func (r Role) CanTriage() bool {
	return r == RolePM || r == RolePO || r == RoleAdmin
}

// RoleContext is the caller's resolved identity: who they are, what role
// they act under, which research panels they are an active member of, and
// which village they belong to.
type RoleContext struct {
	UserID    string   `json:"user_id"`
	Role      Role     `json:"role"`
	Panels    []string `json:"panels,omitempty"`
	VillageID string   `json:"village_id,omitempty"`
}

// OnPanel reports whether the user is an active member of a panel
// covering the given feature area.
func (rc RoleContext) OnPanel(area string) bool {
	if area == "" {
		return false
	}
	for _, p := range rc.Panels {
		if p == area {
			return true
		}
	}
	return false
}
