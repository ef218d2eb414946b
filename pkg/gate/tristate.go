package gate

// Tristate is a three-valued decision result. The zero value is
// Indeterminate, meaning the evidence is insufficient and no state
// change may be derived from it.
type Tristate byte

const (
	// Indeterminate means the rule could not be decided (for example,
	// a USD rule with no available price quote).
	Indeterminate Tristate = iota
	// True means the rule is satisfied.
	True
	// False means the rule is not satisfied.
	False
)

// String implements the Stringer interface.
func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "indeterminate"
	}
}
