package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follower edge statuses. Edges are never deleted; an unfollow flips the
// status to inactive.
const (
	FollowerActive   = "active"
	FollowerInactive = "inactive"
)

// FakeProtocol is the one protocol label allowed on both sides of a
// follower edge, used by tests.
const FakeProtocol = "fake"

// Follower is a directed follow edge between two identities. The bridge
// only connects protocols, so the two identities must belong to different
// ones.
type Follower struct {
	Id     uuid.UUID
	From   IdentityKey
	To     IdentityKey
	Status string

	// id of the Object holding the most recent follow activity
	FollowID string

	CreatedAt time.Time
	UpdatedAt time.Time

	// opposite-side identity, populated by pagination queries
	User *Identity
}
