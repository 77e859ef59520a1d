package notify

import (
	"fmt"
	"strings"
)

// AllRoles is the wildcard role of the project-wide audience.
const AllRoles = "*"

// Audience addresses a notification. Role "*" means every live session of the
// project, an empty Name means whoever holds Role.
type Audience struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

func All() Audience { return Audience{Role: AllRoles} }

func Role(role string) Audience { return Audience{Role: role} }

func Session(role, name string) Audience { return Audience{Role: role, Name: name} }

func (a Audience) IsAll() bool { return a.Role == AllRoles }

// Matches reports whether a session (role, name) is addressed by a.
func (a Audience) Matches(role, name string) bool {
	if a.IsAll() {
		return true
	}
	if a.Role != role {
		return false
	}
	return a.Name == "" || a.Name == name
}

func (a Audience) validate() error {
	if strings.TrimSpace(a.Role) == "" {
		return fmt.Errorf("audience role is required")
	}
	if a.IsAll() && a.Name != "" {
		return fmt.Errorf("audience all cannot name a participant")
	}
	return nil
}

func (a Audience) String() string {
	switch {
	case a.IsAll():
		return "all"
	case a.Name == "":
		return "role:" + a.Role
	default:
		return "session:" + a.Role + "/" + a.Name
	}
}
