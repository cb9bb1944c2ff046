package domain

import "fmt"

// State is the attribute record of one aggregate instance plus its version.
type State struct {
	Attributes Params `json:"attributes"`
	Version    int64  `json:"version"`
}

// Get returns an attribute value, or nil.
func (s State) Get(name string) interface{} {
	return s.Attributes.Value(name)
}

// Identity returns the identity value held under field, or nil.
func (s State) Identity(field string) interface{} {
	return s.Attributes.Value(field)
}

// IdentityString renders the identity as a string; blank identities render
// as "".
func (s State) IdentityString(field string) string {
	v := s.Identity(field)
	if IsBlank(v) {
		return ""
	}
	return fmt.Sprint(v)
}

// Clone returns a copy whose attributes can be mutated independently.
func (s State) Clone() State {
	return State{Attributes: s.Attributes.Clone(), Version: s.Version}
}
