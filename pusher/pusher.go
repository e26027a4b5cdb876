package pusher

import "context"

// Pusher publishes until ctx is done or the session fails.
type Pusher interface {
	Publish(ctx context.Context) error
}
