package types

import (
	"time"
)

// RevalidateNever marks a permanently static entry: it is generated once and
// never goes stale on its own (it can still be invalidated on demand).
const RevalidateNever time.Duration = -1

type EntryState string

const (
	StatePendingWrite EntryState = "pending_write"
	StateCommitted    EntryState = "committed"
	StateInvalidated  EntryState = "invalidated"
)

type Freshness int

const (
	FreshnessMissing Freshness = iota
	FreshnessFresh
	FreshnessStale
	FreshnessExpired
)

func (f Freshness) String() string {
	switch f {
	case FreshnessMissing:
		return "missing"
	case FreshnessFresh:
		return "fresh"
	case FreshnessStale:
		return "stale"
	case FreshnessExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is the stored unit of a regenerable key. Payload is owned by the
// store once written and is never mutated in place; a regeneration replaces
// the whole entry.
type Entry struct {
	Key         string            `json:"key"`
	Payload     []byte            `json:"payload"`
	ContentType string            `json:"content_type,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
	Revalidate  time.Duration     `json:"revalidate"`
	Tags        []string          `json:"tags,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	State       EntryState        `json:"state"`

	// Generation advances on every committed replace. HardEpoch advances on
	// every hard invalidation; a replace that observed an older epoch at
	// render start is rejected, so hard invalidations win against in-flight
	// regenerations.
	Generation uint64 `json:"generation"`
	HardEpoch  uint64 `json:"hard_epoch"`
}

// Clone returns a deep copy so callers can hold an Entry across a concurrent
// replace without observing mutation.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Tags != nil {
		clone.Tags = append([]string(nil), e.Tags...)
	}
	if e.Params != nil {
		clone.Params = make(map[string]string, len(e.Params))
		for k, v := range e.Params {
			clone.Params[k] = v
		}
	}
	return &clone
}

func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type ServedFrom string

const (
	ServedFresh     ServedFrom = "fresh"
	ServedStale     ServedFrom = "stale"
	ServedGenerated ServedFrom = "generated"
)

// RenderRequest carries everything the cache needs to serve one key: the
// stable cache key, the renderer parameters, and the freshness configuration
// resolved by the caller's routing layer.
type RenderRequest struct {
	Key        string
	Params     map[string]string
	Revalidate time.Duration
	Tags       []string
}

type ServeResult struct {
	Payload     []byte
	ContentType string
	ServedFrom  ServedFrom
	GeneratedAt time.Time
	Age         time.Duration
}
