package notify

import (
	"testing"
	"time"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(10)
	n.Publish(Notification{Type: BountyClaimed, PlayerID: "p1"})
}

func TestNotifier_SubscribeReceives(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe()

	n.Publish(Notification{Type: BountyClaimed, PlayerID: "p1", Amount: 30})

	select {
	case notif := <-sub.Ch:
		if notif.PlayerID != "p1" || notif.Amount != 30 {
			t.Errorf("unexpected notification: %+v", notif)
		}
		if notif.Timestamp.IsZero() {
			t.Error("expected timestamp to be filled")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification within timeout")
	}
}

func TestNotifier_TypeFilter(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe(BountyExpired)

	n.Publish(Notification{Type: BountyClaimed})
	n.Publish(Notification{Type: BountyExpired, RefID: "b1"})

	select {
	case notif := <-sub.Ch:
		if notif.Type != BountyExpired {
			t.Fatalf("received filtered notification: %+v", notif)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the matching notification")
	}
	select {
	case notif := <-sub.Ch:
		t.Fatalf("unexpected extra notification: %+v", notif)
	default:
	}
}

func TestNotifier_FullChannelDoesNotBlock(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Publish(Notification{Type: SessionResolved})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(sub.Ch) != 1 {
		t.Errorf("expected one buffered notification, got %d", len(sub.Ch))
	}
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe()
	n.Unsubscribe(sub.ID)

	if _, ok := <-sub.Ch; ok {
		t.Fatal("expected closed channel")
	}
	n.Publish(Notification{Type: BountyPosted})
}
