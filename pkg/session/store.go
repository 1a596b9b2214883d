package session

import "context"

// Store persists the ordered message history of each session.
// Implementations must be atomic per key.
type Store interface {
	// Get returns the stored history, or an error wrapping ErrNotFound when
	// the session has never been written (or was deleted).
	Get(ctx context.Context, sessionID string) ([]Message, error)

	// Put replaces the stored history with msgs.
	Put(ctx context.Context, sessionID string, msgs []Message) error

	// Delete removes the stored history. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error
}
