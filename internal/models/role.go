package models

import "fmt"

// Role is a tournament participant's role. It decides who may start a
// media session with whom.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RolePlayer    Role = "player"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleModerator, RolePlayer:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RoleFromProducer maps the two-role producer/consumer model onto the
// three-role model: producers broadcast as moderators, consumers view as
// players.
func RoleFromProducer(producer bool) Role {
	if producer {
		return RoleModerator
	}
	return RolePlayer
}

// IsProducer reports whether the role captures and broadcasts local media.
func (r Role) IsProducer() bool {
	return r == RoleAdmin || r == RoleModerator
}

// CanInitiate reports whether a participant holding role from may send an
// offer to a participant holding role to. Admins may offer to anyone,
// moderators only to players, and players never initiate.
//
// The same table gates inbound offers: an offer is accepted only when its
// sender's role could have initiated toward the receiver.
func CanInitiate(from, to Role) bool {
	switch from {
	case RoleAdmin:
		return to == RoleAdmin || to == RoleModerator || to == RolePlayer
	case RoleModerator:
		return to == RolePlayer
	default:
		return false
	}
}
