package events

import "github.com/novaxhq/novax/pkg/models"

// ChanSubscriber forwards bus events to a channel without blocking the
// publisher. The channel should be buffered; events are dropped when it is
// full rather than stalling the publishing task runner.
type ChanSubscriber struct {
	ch    chan models.TaskEvent
	group *Group
}

// NewChanSubscriber attaches a channel-backed listener for all lifecycle
// events.
func NewChanSubscriber(bus *Bus, buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	s := &ChanSubscriber{ch: make(chan models.TaskEvent, buffer)}
	s.group = bus.SubscribeAll(func(e models.TaskEvent) {
		select {
		case s.ch <- e:
		default:
			// Slow consumer: drop rather than block the publisher.
		}
	})
	return s
}

// Events returns the receive side of the subscription.
func (s *ChanSubscriber) Events() <-chan models.TaskEvent {
	return s.ch
}

// Close detaches the listener from the bus. The events channel is not
// closed; readers should stop consuming after Close returns.
func (s *ChanSubscriber) Close() {
	s.group.Close()
}
