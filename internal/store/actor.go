package store

const (
	RoleAdmin    = "ADMIN"
	RoleCustomer = "CUSTOMER"
)

// Actor is the already-authenticated caller of a store operation. Identity
// and roles come from the boundary layer; the store never consults ambient
// security state.
type Actor struct {
	Email string
	Roles []string
}

func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}
