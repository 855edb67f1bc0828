package domain

import (
	"time"
)

// User is one per-protocol actor identity, keyed by the actor's
// protocol-native id. Created lazily on first reference.
type User struct {
	Id        string
	Protocol  string
	Handle    string
	ObjId     string // the actor's profile Object
	Copies    []Target
	CreatedAt time.Time
}
