package types

import "github.com/google/uuid"

// UID identifies a peer, a handle node, or a transaction trace, across
// the whole bus. It has no meaning beyond equality and string rendering.
type UID string

// GenerateUID returns a fresh, globally unique identifier.
func GenerateUID() UID {
	return UID(uuid.NewString())
}

func (u UID) String() string {
	return string(u)
}
