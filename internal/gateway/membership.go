package gateway

import "context"

// Membership answers whether a user may subscribe to a topic. The durable
// space/channel/membership records live in an external document store; the
// gateway only reads them for authorization checks.
type Membership interface {
	IsMember(ctx context.Context, userID, topicID string) (bool, error)
}

// AllowAll authorizes every subscription. It is the default when no
// membership source is wired, and what tests use.
type AllowAll struct{}

func (AllowAll) IsMember(context.Context, string, string) (bool, error) {
	return true, nil
}
