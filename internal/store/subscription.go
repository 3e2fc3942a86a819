package store

import (
	"context"
	"errors"

	"github.com/joeycumines/echodispatch/internal/config"
	"github.com/redis/go-redis/v9"
)

// EventKind distinguishes the kinds of SubscriptionEvent delivered on a
// Subscription's channel.
type EventKind int

const (
	// EventMessage carries a decoded ndt payload: a new due-time (Empty
	// false) or a "queue is now empty" notification (Empty true).
	EventMessage EventKind = iota
	// EventDropped reports that the subscriber connection was lost. The
	// freshness state it backs must be treated as stale until EventRestored.
	EventDropped
	// EventRestored reports that the subscription was re-established after
	// a drop. The consumer must re-bootstrap (it may have missed
	// notifications while disconnected).
	EventRestored
)

// SubscriptionEvent is one item delivered by Subscription.Events.
type SubscriptionEvent struct {
	Kind    EventKind
	DueTime float64
	Empty   bool
}

// Subscription is a managed, self-healing subscriber to the ndt channel. It
// owns a dedicated connection (spec.md §4.3.1) and re-subscribes on its own
// after a drop, using the configured retry policy; it never silently
// swallows a drop without telling the consumer, which is how go-redis's
// built-in PubSub.Channel() behaves and why this package rolls its own
// receive loop instead of using it.
type Subscription struct {
	events chan SubscriptionEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the channel of subscription lifecycle and message events.
// It is closed once the subscription gives up permanently (retry budget
// exhausted) or Close is called.
func (s *Subscription) Events() <-chan SubscriptionEvent { return s.events }

// Close tears down the subscription and its connection.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe establishes a managed subscription to ndt on g's dedicated
// subscriber connection, per spec.md §4.3.1/§4.3.3.
func (g *Gateway) Subscribe(ctx context.Context, retry config.RetryPolicy) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan SubscriptionEvent),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(ctx, g.sub, retry)

	return s
}

func (s *Subscription) run(ctx context.Context, client *redis.Client, retry config.RetryPolicy) {
	defer close(s.done)
	defer close(s.events)

	timesConnected := 0
	var seq *retrySequence // non-nil only while recovering from a drop

	for {
		pubsub := client.Subscribe(ctx, channelKey)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			if seq == nil {
				seq = newRetrySequence(retry, timesConnected)
			}
			if !seq.wait(ctx) {
				return
			}
			continue
		}
		timesConnected++
		seq = nil

		if timesConnected > 1 {
			if !s.emit(ctx, SubscriptionEvent{Kind: EventRestored}) {
				pubsub.Close()
				return
			}
		}

		err := s.drain(ctx, pubsub)
		pubsub.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !s.emit(ctx, SubscriptionEvent{Kind: EventDropped}) {
				return
			}
			seq = newRetrySequence(retry, timesConnected)
			if !seq.wait(ctx) {
				return
			}
		}
	}
}

// drain forwards messages on an established subscription until it errors
// (connection lost) or the context is canceled.
func (s *Subscription) drain(ctx context.Context, pubsub *redis.PubSub) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("store: subscription channel closed")
			}
			ms, hasDue := decodeDueTime([]byte(msg.Payload))
			ev := SubscriptionEvent{Kind: EventMessage, DueTime: ms, Empty: !hasDue}
			if !s.emit(ctx, ev) {
				return nil
			}
		}
	}
}

func (s *Subscription) emit(ctx context.Context, ev SubscriptionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
