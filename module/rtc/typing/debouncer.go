package typing

import (
	"sync"
	"time"

	"FamLink/module/rtc/event"
	"FamLink/service/bus"
)

type Conf struct {
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      func() time.Time // injectable for tests
}

func (c *Conf) norm() {
	if c.TTL <= 0 {
		c.TTL = 3 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type entry struct {
	conversationID string
	userID         string
	expireAt       time.Time
}

// Debouncer keeps per-(conversation, user) typing state with a TTL. It is
// best-effort and lossy by contract: a missed stop event self-heals at the
// next TTL lapse, and nothing here ever touches durable storage.
type Debouncer struct {
	mu      sync.Mutex
	signals map[string]*entry // conv|user -> entry

	conf Conf
	bus  bus.Bus

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDebouncer(conf Conf, b bus.Bus) *Debouncer {
	conf.norm()
	d := &Debouncer{
		signals: make(map[string]*entry),
		conf:    conf,
		bus:     b,
		stopCh:  make(chan struct{}),
	}
	go d.sweeper()
	return d
}

func (d *Debouncer) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func key(conversationID, userID string) string { return conversationID + "|" + userID }

// Signal refreshes the TTL and emits typing_started only on the rising
// edge; repeat keystrokes inside the window are silent.
func (d *Debouncer) Signal(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	now := d.conf.Clock()

	d.mu.Lock()
	k := key(conversationID, userID)
	e, live := d.signals[k]
	rising := !live || now.After(e.expireAt)
	d.signals[k] = &entry{
		conversationID: conversationID,
		userID:         userID,
		expireAt:       now.Add(d.conf.TTL),
	}
	d.mu.Unlock()

	if rising {
		d.bus.Publish(event.NewTyping(event.TypeTypingStarted, conversationID, userID))
	}
}

// CancelOnMessage drops the signal immediately when the user's message
// commits, emitting typing_stopped out of band.
func (d *Debouncer) CancelOnMessage(conversationID, userID string) {
	d.mu.Lock()
	k := key(conversationID, userID)
	_, live := d.signals[k]
	delete(d.signals, k)
	d.mu.Unlock()

	if live {
		d.bus.Publish(event.NewTyping(event.TypeTypingStopped, conversationID, userID))
	}
}

// IsTyping reports whether an unexpired signal exists.
func (d *Debouncer) IsTyping(conversationID, userID string) bool {
	now := d.conf.Clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.signals[key(conversationID, userID)]
	return ok && now.Before(e.expireAt)
}

func (d *Debouncer) sweeper() {
	tick := time.NewTicker(d.conf.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-tick.C:
			d.SweepOnce(d.conf.Clock())
		}
	}
}

// SweepOnce emits typing_stopped for every lapsed signal. Exported so tests
// can drive expiry with an injected clock.
func (d *Debouncer) SweepOnce(now time.Time) {
	var lapsed []*entry

	d.mu.Lock()
	for k, e := range d.signals {
		if !now.Before(e.expireAt) {
			lapsed = append(lapsed, e)
			delete(d.signals, k)
		}
	}
	d.mu.Unlock()

	for _, e := range lapsed {
		d.bus.Publish(event.NewTyping(event.TypeTypingStopped, e.conversationID, e.userID))
	}
}
