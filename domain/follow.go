package domain

import (
	"github.com/google/uuid"
	"time"
)

// Follower statuses. Edges are deactivated, never removed.
const (
	FollowerActive   = "active"
	FollowerInactive = "inactive"
)

// Follower is a directed follow edge: From (the follower) -> To (the
// followee), both actor ids. At most one edge exists per ordered pair;
// reactivation updates status in place.
type Follower struct {
	Id        uuid.UUID
	From      string
	To        string
	Status    string
	FollowId  string // the follow activity that created this edge
	CreatedAt time.Time
	UpdatedAt time.Time
}
