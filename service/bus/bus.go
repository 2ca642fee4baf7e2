package bus

import (
	"FamLink/module/rtc/event"
)

// Bus is the shared fan-out plane. Everything committed by the pipeline, the
// room manager, presence and typing goes through here; subscribers are
// gateway connections and the catch-up resolver.
type Bus interface {
	Publish(ev event.Envelope)
	Subscribe(topic string) *Subscription
	Unsubscribe(sub *Subscription)
	Close()
}

// Relay mirrors locally published envelopes to a cross-node transport
// (NATS or Kafka) so other gateways can fan them out to their own clients.
type Relay interface {
	Forward(ev event.Envelope) error
	Close() error
}

// Subscription delivers envelopes for one topic on C. The channel is
// buffered; a subscriber that falls behind loses events (it is expected to
// recover through catch-up, same as a dropped connection).
type Subscription struct {
	id    int64
	Topic string
	C     chan event.Envelope
}
