package presence

import (
	"sync"
	"time"

	"FamLink/logger"
	"FamLink/module/rtc/event"
	"FamLink/module/rtc/model"
	"FamLink/service/bus"
)

// Mirror optionally replicates user→gateway liveness to a shared directory
// (Redis) so other gateway nodes can route to this one. Failures degrade
// silently; the in-memory table stays authoritative.
type Mirror interface {
	Online(userID string, ttl time.Duration) error
	Offline(userID string) error
}

type Conf struct {
	HeartbeatInterval time.Duration    // client beat cadence
	MissedBeats       int              // beats missed before a connection is dead
	SweepEvery        time.Duration
	Clock             func() time.Time // injectable for tests; nil => time.Now
}

func (c *Conf) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.MissedBeats <= 0 {
		c.MissedBeats = 2
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

func (c *Conf) deadline() time.Duration {
	return time.Duration(c.MissedBeats) * c.HeartbeatInterval
}

type conn struct {
	userID   string
	lastBeat time.Time
}

// Tracker owns the authoritative "who is connected right now" table.
// State is entirely in memory and rebuilds from nothing on restart;
// presence is transient truth and carries no durability contract.
type Tracker struct {
	mu      sync.RWMutex
	byConn  map[string]*conn            // connID -> conn
	byUser  map[string]map[string]bool  // userID -> set of connIDs
	inRoom  map[string]string           // userID -> roomID

	conf Conf
	bus  bus.Bus
	mir  Mirror

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTracker(conf Conf, b bus.Bus, mir Mirror) *Tracker {
	conf.norm()
	t := &Tracker{
		byConn: make(map[string]*conn),
		byUser: make(map[string]map[string]bool),
		inRoom: make(map[string]string),
		conf:   conf,
		bus:    b,
		mir:    mir,
		stopCh: make(chan struct{}),
	}
	go t.sweeper()
	return t
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// OnConnect registers a connection. A user is online as soon as one
// connection exists; additional devices just add to the OR.
func (t *Tracker) OnConnect(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}
	now := t.conf.Clock()

	t.mu.Lock()
	rising := len(t.byUser[userID]) == 0
	t.byConn[connID] = &conn{userID: userID, lastBeat: now}
	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[string]bool)
	}
	t.byUser[userID][connID] = true
	t.mu.Unlock()

	if rising {
		t.announce(userID, true)
	}
}

// OnHeartbeat refreshes a connection's liveness window.
func (t *Tracker) OnHeartbeat(connID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	if c, ok := t.byConn[connID]; ok {
		c.lastBeat = now
		if t.mir != nil {
			userID := c.userID
			t.mu.Unlock()
			if err := t.mir.Online(userID, t.conf.deadline()); err != nil {
				logger.Debug("presence mirror refresh failed")
			}
			return
		}
	}
	t.mu.Unlock()
}

// OnDisconnect drops a connection; the user goes offline when their last
// connection is gone.
func (t *Tracker) OnDisconnect(connID string) {
	t.mu.Lock()
	c, ok := t.byConn[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byConn, connID)
	userID := c.userID
	falling := t.dropUserConnLocked(userID, connID)
	t.mu.Unlock()

	if falling {
		t.announce(userID, false)
	}
}

// caller holds t.mu
func (t *Tracker) dropUserConnLocked(userID, connID string) bool {
	set := t.byUser[userID]
	if set == nil {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(t.byUser, userID)
		delete(t.inRoom, userID)
		return true
	}
	return false
}

// Query resolves online/offline plus current call room for a set of users.
func (t *Tracker) Query(userIDs []string) map[string]model.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]model.PresenceStatus, len(userIDs))
	for _, uid := range userIDs {
		out[uid] = model.PresenceStatus{
			Online: len(t.byUser[uid]) > 0,
			RoomID: t.inRoom[uid],
		}
	}
	return out
}

// EnterRoom / LeaveRoom keep the "who is in which call" column; the room
// manager calls these on successful transitions.
func (t *Tracker) EnterRoom(userID, roomID string) {
	t.mu.Lock()
	t.inRoom[userID] = roomID
	t.mu.Unlock()
}

func (t *Tracker) LeaveRoom(userID, roomID string) {
	t.mu.Lock()
	if t.inRoom[userID] == roomID {
		delete(t.inRoom, userID)
	}
	t.mu.Unlock()
}

// Record returns a copy of a user's presence row, nil when offline.
func (t *Tracker) Record(userID string) *model.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	rec := &model.PresenceRecord{UserID: userID, RoomID: t.inRoom[userID]}
	for connID := range set {
		rec.ConnIDs = append(rec.ConnIDs, connID)
		if c := t.byConn[connID]; c != nil && c.lastBeat.After(rec.LastBeat) {
			rec.LastBeat = c.lastBeat
		}
	}
	return rec
}

func (t *Tracker) announce(userID string, online bool) {
	t.mu.RLock()
	roomID := t.inRoom[userID]
	t.mu.RUnlock()
	t.bus.Publish(event.NewPresenceChanged(userID, online, roomID))

	if t.mir == nil {
		return
	}
	var err error
	if online {
		err = t.mir.Online(userID, t.conf.deadline())
	} else {
		err = t.mir.Offline(userID)
	}
	if err != nil {
		logger.Warnf("[presence] mirror update failed user=%s online=%v err=%v", userID, online, err)
	}
}

func (t *Tracker) sweeper() {
	tick := time.NewTicker(t.conf.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-tick.C:
			t.SweepOnce(t.conf.Clock())
		}
	}
}

// SweepOnce expires connections whose heartbeat window lapsed. Exported so
// tests can drive it with an injected clock.
func (t *Tracker) SweepOnce(now time.Time) {
	deadline := t.conf.deadline()
	var offline []string

	t.mu.Lock()
	for connID, c := range t.byConn {
		if now.Sub(c.lastBeat) < deadline {
			continue
		}
		delete(t.byConn, connID)
		if t.dropUserConnLocked(c.userID, connID) {
			offline = append(offline, c.userID)
		}
	}
	t.mu.Unlock()

	for _, uid := range offline {
		logger.Infof("[presence] heartbeat timeout user=%s", uid)
		t.announce(uid, false)
	}
}
