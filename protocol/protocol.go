package protocol

import (
	"github.com/deemkeen/fedbridge/domain"
)

// Protocol is implemented once per federated network. The pipeline and
// registry only ever talk to implementations through this interface.
type Protocol interface {
	// Label is the short name the registry and stored records use.
	Label() string

	// OwnsID reports whether this protocol statically owns an id.
	// Pure, no I/O.
	OwnsID(id string) bool

	// OwnsHandle reports whether a handle matches this protocol's
	// handle shape. Pure, no I/O.
	OwnsHandle(handle string) bool

	// Fetch retrieves the canonical form of a remote object. Network
	// errors, 4xx/5xx and unparsable responses come back as errors and
	// are absorbed by callers as "not found"; they never crash the
	// pipeline.
	Fetch(id string) (map[string]any, error)

	// TargetFor computes the protocol-native delivery address for an
	// object, e.g. an actor's inbox. A nil object (or one without a
	// specific address) yields the protocol's shared/common broadcast
	// address.
	TargetFor(obj *domain.Object) (string, error)

	// Send delivers one object to one address. True means delivered;
	// an error is a delivery fault the caller isolates per target.
	Send(obj *domain.Object, target string) (bool, error)

	// IsBlocklisted excludes unsafe or irrelevant targets, e.g.
	// non-federating domains.
	IsBlocklisted(url string) bool
}

// HandleResolver is an optional capability: a protocol that can turn a
// human handle into a protocol-native id with one remote call (e.g. a
// DNS TXT lookup). The registry performs at most one such call.
type HandleResolver interface {
	ResolveHandle(handle string) (string, error)
}

// Store is the slice of the entity store the registry needs.
type Store interface {
	ReadObject(id string) (*domain.Object, error)
	PutObject(obj *domain.Object) error
	ReadUserByHandle(handle string) (*domain.User, error)
}
