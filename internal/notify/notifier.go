// Package notify provides an in-process bus for economy notifications such as
// bounty claims, refunds and game results.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of notification.
type Type string

const (
	BountyPosted    Type = "bounty_posted"
	BountyClaimed   Type = "bounty_claimed"
	BountyExpired   Type = "bounty_expired"
	SessionResolved Type = "session_resolved"
	SourceRotated   Type = "source_rotated"
)

// Notification describes one economy change worth announcing.
type Notification struct {
	Type     Type
	PlayerID string
	// Counterparty is the other player involved, e.g. a bounty's target.
	Counterparty string
	RefID        string
	Amount       int64
	Detail       string
	Timestamp    time.Time
}

// Notifier fans notifications out to subscribers.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends a notification to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}
	n.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif.Type) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber for the given types; no types means all.
func (n *Notifier) Subscribe(types ...Type) *Subscriber {
	sub := &Subscriber{
		ID:    "sub_" + uuid.NewString(),
		Types: types,
		Ch:    make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Subscriber is a notification consumer.
type Subscriber struct {
	ID    string
	Types []Type
	Ch    chan Notification
}

func (s *Subscriber) matches(t Type) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, want := range s.Types {
		if want == t {
			return true
		}
	}
	return false
}
