package bus

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"FamLink/logger"
	"FamLink/module/rtc/event"
)

type job struct {
	ev   event.Envelope
	subs []*Subscription
}

// Local is the in-process bus: a bounded worker pool fans each envelope out
// to the topic's subscriber channels. A topic always hashes to the same
// worker shard, so envelopes of one topic are delivered in publish order.
// Delivery to a subscriber never blocks a worker; a full channel means the
// subscriber is slow and the envelope is dropped for it.
type Local struct {
	mu     sync.RWMutex
	topics map[string]map[int64]*Subscription

	shards    []chan job
	subBuffer int
	nextID    atomic.Int64
	relay     Relay
	origin    string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type LocalConf struct {
	Workers   int
	Queue     int
	SubBuffer int
	Origin    string // gateway id stamped on outbound envelopes
}

func (c *LocalConf) norm() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Queue <= 0 {
		c.Queue = 1024
	}
	if c.SubBuffer <= 0 {
		c.SubBuffer = 256
	}
}

func NewLocal(conf LocalConf) *Local {
	conf.norm()
	b := &Local{
		topics:    make(map[string]map[int64]*Subscription),
		shards:    make([]chan job, conf.Workers),
		subBuffer: conf.SubBuffer,
		origin:    conf.Origin,
		stopCh:    make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i] = make(chan job, conf.Queue)
		b.wg.Add(1)
		go b.worker(b.shards[i])
	}
	return b
}

// AttachRelay mirrors every locally originated publish to the relay.
func (b *Local) AttachRelay(r Relay) { b.relay = r }

func (b *Local) shard(topic string) chan job {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

func (b *Local) worker(jobs <-chan job) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case j := <-jobs:
			for _, sub := range j.subs {
				select {
				case sub.C <- j.ev:
				default:
					logger.Warnf("[bus] slow subscriber, drop event topic=%s type=%s seq=%d",
						sub.Topic, j.ev.Type, j.ev.Seq)
				}
			}
		}
	}
}

func (b *Local) Publish(ev event.Envelope) {
	relayed := ev.Origin != "" && ev.Origin != b.origin
	if ev.Origin == "" {
		ev.Origin = b.origin
	}

	b.mu.RLock()
	m := b.topics[ev.Topic()]
	subs := make([]*Subscription, 0, len(m))
	for _, s := range m {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if len(subs) > 0 {
		select {
		case b.shard(ev.Topic()) <- job{ev: ev, subs: subs}:
		case <-b.stopCh:
			return
		}
	}

	// Envelopes that arrived from another node are delivered locally only;
	// forwarding them again would loop.
	if b.relay != nil && !relayed {
		if err := b.relay.Forward(ev); err != nil {
			logger.Warnf("[bus] relay forward failed topic=%s id=%s err=%v", ev.Topic(), ev.ID, err)
		}
	}
}

func (b *Local) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:    b.nextID.Add(1),
		Topic: topic,
		C:     make(chan event.Envelope, b.subBuffer),
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int64]*Subscription)
	}
	b.topics[topic][sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Local) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if m := b.topics[sub.Topic]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.topics, sub.Topic)
		}
	}
	b.mu.Unlock()
}

func (b *Local) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	if b.relay != nil {
		_ = b.relay.Close()
	}
}
