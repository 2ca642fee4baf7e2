package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"FamLink/logger"
	"FamLink/module/rtc/event"
	"FamLink/module/rtc/model"
	"FamLink/service/bus"
	"FamLink/tools/errs"
	"FamLink/tools/ids"
)

// Store mirrors room and participant rows to durable storage for long-term
// retrieval. The manager stays authoritative for live state and ordering;
// mirror failures are logged, never block a transition.
type Store interface {
	UpsertRoom(ctx context.Context, r *model.CallRoom) error
	UpsertParticipant(ctx context.Context, p *model.CallParticipant) error
}

// Occupancy is the presence tracker's room column.
type Occupancy interface {
	EnterRoom(userID, roomID string)
	LeaveRoom(userID, roomID string)
}

type roomState struct {
	mu     sync.Mutex
	room   model.CallRoom
	active map[string]*model.CallParticipant // userID -> active (not-left) row
}

// Manager runs one state machine per room: created → active → ended, with
// ended terminal. Transitions for a room are serialized on that room's
// mutex; distinct rooms proceed in parallel.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*roomState

	bus   bus.Bus
	store Store
	occ   Occupancy
	clock func() time.Time
}

func NewManager(b bus.Bus, store Store, occ Occupancy) *Manager {
	return &Manager{
		rooms: make(map[string]*roomState),
		bus:   b,
		store: store,
		occ:   occ,
		clock: time.Now,
	}
}

// Create produces a room in `created`. The creator is the intended first
// participant but holds no participant row until Join.
func (m *Manager) Create(ctx context.Context, creatorID, name, familyScope string) (*model.CallRoom, error) {
	if creatorID == "" {
		return nil, errs.ErrBadRequest.WithDetail("creator required")
	}
	r := model.CallRoom{
		RoomID:      ids.GenerateString(),
		CreatorID:   creatorID,
		DisplayName: name,
		FamilyScope: familyScope,
		State:       model.RoomCreated,
		CreatedAt:   m.clock().UnixMilli(),
	}

	m.mu.Lock()
	m.rooms[r.RoomID] = &roomState{
		room:   r,
		active: make(map[string]*model.CallParticipant),
	}
	m.mu.Unlock()

	m.mirrorRoom(ctx, &r)
	m.bus.Publish(event.NewRoomChanged(r.RoomID, "created", creatorID, r.State))
	return &r, nil
}

func (m *Manager) state(roomID string) (*roomState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rooms[roomID]
	if !ok {
		return nil, errs.ErrRoomNotFound.WithDetail(roomID)
	}
	return rs, nil
}

// Join adds an active participant. First successful join moves the room to
// `active`. Re-joining while already active is idempotent. Joining an ended
// room is a conflict, never an implicit re-create.
func (m *Manager) Join(ctx context.Context, roomID, userID string) (*model.CallRoom, error) {
	if userID == "" {
		return nil, errs.ErrBadRequest.WithDetail("user required")
	}
	rs, err := m.state(roomID)
	if err != nil {
		return nil, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.room.State == model.RoomEnded {
		return nil, errs.ErrRoomClosed.WithDetail(roomID)
	}
	if _, in := rs.active[userID]; in {
		cp := rs.room
		return &cp, nil
	}

	p := &model.CallParticipant{
		RoomID:   roomID,
		UserID:   userID,
		JoinedAt: m.clock().UnixMilli(),
	}
	rs.active[userID] = p

	if rs.room.State == model.RoomCreated {
		rs.room.State = model.RoomActive
	}

	m.mirrorRoom(ctx, &rs.room)
	m.mirrorParticipant(ctx, p)
	if m.occ != nil {
		m.occ.EnterRoom(userID, roomID)
	}
	m.bus.Publish(event.NewRoomChanged(roomID, "joined", userID, rs.room.State))

	cp := rs.room
	return &cp, nil
}

// Leave marks the participant's left timestamp. When the last active
// participant leaves, the room ends atomically under the same lock; there
// is no window where it is active with zero participants.
func (m *Manager) Leave(ctx context.Context, roomID, userID string) error {
	rs, err := m.state(roomID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	p, in := rs.active[userID]
	if !in {
		return errs.ErrNotInRoom.WithDetail(userID + " in " + roomID)
	}

	now := m.clock().UnixMilli()
	p.LeftAt = now
	delete(rs.active, userID)
	m.mirrorParticipant(ctx, p)
	if m.occ != nil {
		m.occ.LeaveRoom(userID, roomID)
	}
	m.bus.Publish(event.NewRoomChanged(roomID, "left", userID, rs.room.State))

	if len(rs.active) == 0 && rs.room.State == model.RoomActive {
		m.endLocked(ctx, rs, now)
	}
	return nil
}

// End forces the room to `ended` regardless of occupancy; creator only.
// Idempotent when already ended.
func (m *Manager) End(ctx context.Context, roomID, callerID string) error {
	rs, err := m.state(roomID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.room.State == model.RoomEnded {
		return nil
	}
	if callerID != "" && callerID != rs.room.CreatorID {
		return errs.ErrNotRoomOwner.WithDetail(callerID)
	}

	now := m.clock().UnixMilli()
	for uid, p := range rs.active {
		p.LeftAt = now
		m.mirrorParticipant(ctx, p)
		if m.occ != nil {
			m.occ.LeaveRoom(uid, roomID)
		}
		delete(rs.active, uid)
	}
	m.endLocked(ctx, rs, now)
	return nil
}

// caller holds rs.mu
func (m *Manager) endLocked(ctx context.Context, rs *roomState, nowMS int64) {
	rs.room.State = model.RoomEnded
	rs.room.EndedAt = nowMS
	m.mirrorRoom(ctx, &rs.room)
	m.bus.Publish(event.NewRoomChanged(rs.room.RoomID, "ended", "", model.RoomEnded))
}

// Get returns a snapshot of the room and its active participant count.
func (m *Manager) Get(roomID string) (*model.RoomSnapshot, error) {
	rs, err := m.state(roomID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return &model.RoomSnapshot{Room: rs.room, Participants: len(rs.active)}, nil
}

// HasActiveParticipant reports whether the user holds an active (not-left)
// row; the token issuer's precondition.
func (m *Manager) HasActiveParticipant(roomID, userID string) (bool, error) {
	rs, err := m.state(roomID)
	if err != nil {
		return false, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.room.State == model.RoomEnded {
		return false, errs.ErrRoomClosed.WithDetail(roomID)
	}
	_, in := rs.active[userID]
	return in, nil
}

// ListActive returns rooms in created/active state for a family scope,
// ordered by creation time.
func (m *Manager) ListActive(familyScope string) []model.RoomSnapshot {
	m.mu.RLock()
	states := make([]*roomState, 0, len(m.rooms))
	for _, rs := range m.rooms {
		states = append(states, rs)
	}
	m.mu.RUnlock()

	out := make([]model.RoomSnapshot, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		if rs.room.State != model.RoomEnded &&
			(familyScope == "" || rs.room.FamilyScope == familyScope) {
			out = append(out, model.RoomSnapshot{Room: rs.room, Participants: len(rs.active)})
		}
		rs.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room.CreatedAt < out[j].Room.CreatedAt })
	return out
}

func (m *Manager) mirrorRoom(ctx context.Context, r *model.CallRoom) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertRoom(ctx, r); err != nil {
		logger.Warnf("[room] mirror room failed room=%s err=%v", r.RoomID, err)
	}
}

func (m *Manager) mirrorParticipant(ctx context.Context, p *model.CallParticipant) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		logger.Warnf("[room] mirror participant failed room=%s user=%s err=%v", p.RoomID, p.UserID, err)
	}
}
