package auth

// Principal is the interface for any entity making a request: an
// analyst, a service account, or the scheduler.
type Principal interface {
	GetID() string
	GetRoles() []string
	// HasRole reports whether the principal carries the named role.
	// Admins implicitly hold every role.
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}
