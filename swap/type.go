package swap

// Role indicates which side of the swap the local party plays.
type Role uint8

const (
	// RoleAlice is the party that pays with a 2-of-2 output on her chain
	// and sends first in every protocol round.
	RoleAlice Role = iota

	// RoleBob is the party that posts the deposit and the hash locked
	// payment on his chain.
	RoleBob
)

// Tag returns the compressed public key prefix byte every deck key of
// this role must carry: 0x02 for Alice and 0x03 for Bob.
func (r Role) Tag() byte {
	if r == RoleBob {
		return 0x03
	}

	return 0x02
}

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleBob {
		return RoleAlice
	}

	return RoleBob
}

func (r Role) String() string {
	switch r {
	case RoleAlice:
		return "Alice"
	case RoleBob:
		return "Bob"
	default:
		return "Unknown"
	}
}
