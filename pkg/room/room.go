// Package room is the single decision point for broadcast room naming.
// Producers and the gateway must never build room names by hand.
package room

const (
	userPrefix = "user:"
	rolePrefix = "role:"

	// RoleAdmin is the role whose room receives presence and stats fan-out.
	RoleAdmin = "admin"
)

// UserRoom names the private room every connection of one user joins.
func UserRoom(userID string) string {
	return userPrefix + userID
}

// RoleRoom names the shared room for all connections of one role.
func RoleRoom(role string) string {
	return rolePrefix + role
}

// AdminRoom is the role room observability events are published to.
func AdminRoom() string {
	return RoleRoom(RoleAdmin)
}
