// Package presence tracks which users are online and which users belong to
// which topics, shared across gateway processes through the backplane store.
//
// Expiry is advisory: a crashed process cannot emit explicit offline events,
// so the true liveness signal is heartbeat absence, not notification.
package presence

import "context"

// Store is the process-shared presence and membership cache. A user is
// online while at least one gateway process holds a session for them, which
// is what makes multi-device connections work.
type Store interface {
	// MarkOnline records that a process holds a session for the user and
	// starts the entry's time-to-live.
	MarkOnline(ctx context.Context, userID, processID string) error
	// Heartbeat refreshes the time-to-live for the user's entry on the
	// calling process.
	Heartbeat(ctx context.Context, userID, processID string) error
	// MarkOffline removes the process from the user's entry. The user stays
	// online while other processes still hold sessions.
	MarkOffline(ctx context.Context, userID, processID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)

	// JoinTopic and LeaveTopic maintain the topic membership cache used for
	// fanout targeting and subscribe authorization.
	JoinTopic(ctx context.Context, topicID, userID string) error
	LeaveTopic(ctx context.Context, topicID, userID string) error
	MembersOf(ctx context.Context, topicID string) ([]string, error)

	// OnExpire registers a callback invoked when a user's presence lapses
	// with no heartbeat. Best-effort; see package comment.
	OnExpire(fn func(userID string))

	Close() error
}
