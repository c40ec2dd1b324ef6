package sdk

import "context"

// ChangeHandler receives the previous and the new value of a key. old is nil
// when the key had never been set.
type ChangeHandler func(ctx context.Context, old, new any) error

// Store is the shared key/value state visible to every plugin.
type Store interface {
	Get(key string, def any) any
	Set(ctx context.Context, key string, value any, source string) Outcomes
	// Put and Notify split Set in two: Put records the value under the
	// store lock and returns the previous one, Notify runs the fan-out.
	Put(key string, value any) (old any)
	Notify(ctx context.Context, key string, old, value any, source string) Outcomes
	Subscribe(key string, h ChangeHandler) Subscription
	Unsubscribe(sub Subscription) bool
}
