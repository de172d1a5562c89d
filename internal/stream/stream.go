package stream

import (
	"context"
	"sync"
	"time"

	"tiercore.io/internal/loyalty"
)

// TierEvent is the wire form of a tier change pushed to SSE subscribers.
type TierEvent struct {
	TenantID    string             `json:"tenant_id"`
	MemberID    string             `json:"member_id"`
	OldTierName string             `json:"old_tier_name,omitempty"`
	NewTierName string             `json:"new_tier_name,omitempty"`
	Change      loyalty.ChangeType `json:"change_type"`
	Source      string             `json:"source"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Stream fan-outs tier change events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan TierEvent
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan TierEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan TierEvent {
	ch := make(chan TierEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt TierEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// FromEffect converts an engine effect into its stream form.
func FromEffect(e loyalty.Effect, at time.Time) TierEvent {
	return TierEvent{
		TenantID:    e.TenantID,
		MemberID:    e.MemberID,
		OldTierName: e.OldTierName,
		NewTierName: e.NewTierName,
		Change:      e.Change,
		Source:      e.Source.String(),
		Timestamp:   at,
	}
}
