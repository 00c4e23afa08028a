package types

import (
	"time"
)

// InvalidationEvent is broadcast to peer instances when an entry or a tag is
// invalidated locally, so deployments on non-shared stores converge.
type InvalidationEvent struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	Keys      []string  `json:"keys,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Hard      bool      `json:"hard"`
	IssuedAt  time.Time `json:"issued_at"`
	Propagate bool      `json:"-"`
}

type Notifier interface {
	LifecycleManager

	// Publish fans the event out to connected peers. Local application of
	// the invalidation already happened; publish failures are logged, never
	// surfaced to the invalidating caller.
	Publish(event *InvalidationEvent) error

	// Subscribe registers the handler invoked for events received from
	// peers. Must be called before Start.
	Subscribe(handler func(event *InvalidationEvent))
}

type NotifierCreator func(config interface{}) (Notifier, error)
