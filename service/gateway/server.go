package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"FamLink/logger"
	authmw "FamLink/middleware/security"
	"FamLink/module/rtc/catchup"
	"FamLink/module/rtc/event"
	"FamLink/module/rtc/mediatoken"
	"FamLink/module/rtc/model"
	"FamLink/module/rtc/msgflow"
	"FamLink/module/rtc/presence"
	"FamLink/module/rtc/room"
	"FamLink/module/rtc/typing"
	"FamLink/service/bus"
	"FamLink/tools/decode"
	"FamLink/tools/errs"
	"FamLink/tools/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const sendTimeout = 10 * time.Second

// HistoryStore serves ended-room queries; nil disables the endpoint.
type HistoryStore interface {
	RoomHistory(ctx context.Context, familyScope string, limit int) ([]model.CallRoom, error)
}

type Conf struct {
	Addr          string
	SendQueueSize int
	GatewayID     string
	AuthSecret    []byte
}

// Server is the client-facing edge: websocket streams plus the REST room
// surface. It owns the connection registry; everything else is delegated.
type Server struct {
	conf Conf

	bus      bus.Bus
	store    msgflow.Store
	pipe     *msgflow.Pipeline
	presence *presence.Tracker
	typing   *typing.Debouncer
	rooms    *room.Manager
	tokens   *mediatoken.Issuer
	resolver *catchup.Resolver
	history  HistoryStore

	mu    sync.RWMutex
	conns map[string]*Client
}

func NewServer(conf Conf, b bus.Bus, store msgflow.Store, pipe *msgflow.Pipeline,
	pres *presence.Tracker, typ *typing.Debouncer, rooms *room.Manager,
	tokens *mediatoken.Issuer, resolver *catchup.Resolver, history HistoryStore) *Server {
	return &Server{
		conf:     conf,
		bus:      b,
		store:    store,
		pipe:     pipe,
		presence: pres,
		typing:   typ,
		rooms:    rooms,
		tokens:   tokens,
		resolver: resolver,
		history:  history,
		conns:    make(map[string]*Client),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "gateway": s.conf.GatewayID})
	})

	auth := authmw.Middleware(authmw.Options{Secret: s.conf.AuthSecret, AllowQueryToken: true})

	r.GET("/ws", auth, s.handleWS)

	api := r.Group("/api", auth)
	{
		api.POST("/conversations", s.handleEnsureConversation)
		api.POST("/rooms", s.handleCreateRoom)
		api.GET("/rooms", s.handleListRooms)
		api.GET("/rooms/history", s.handleRoomHistory)
		api.GET("/rooms/:id", s.handleGetRoom)
		api.POST("/rooms/:id/join", s.handleJoinRoom)
		api.POST("/rooms/:id/leave", s.handleLeaveRoom)
		api.POST("/rooms/:id/end", s.handleEndRoom)
		api.POST("/rooms/:id/token", s.handleIssueToken)
	}
	return r
}

func (s *Server) Run() error {
	return s.Router().Run(s.conf.Addr)
}

// Shutdown closes every live connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Client)
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
		s.presence.OnDisconnect(c.ConnID)
	}
}

// ===== WebSocket =====

func (s *Server) handleWS(c *gin.Context) {
	userID := authmw.UserID(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed user=%s err=%v", userID, err)
		return
	}

	cl := newClient(ids.GenerateString(), userID, ws, s.bus, s.conf.SendQueueSize)
	s.mu.Lock()
	s.conns[cl.ConnID] = cl
	s.mu.Unlock()
	s.presence.OnConnect(userID, cl.ConnID)
	logger.Infof("[ws] connected user=%s conn=%s", userID, cl.ConnID)

	ws.SetReadLimit(maxMsgSize)
	go cl.writeLoop()

	s.readLoop(cl)

	s.mu.Lock()
	delete(s.conns, cl.ConnID)
	s.mu.Unlock()
	cl.shutdown()
	s.presence.OnDisconnect(cl.ConnID)
	logger.Infof("[ws] disconnected user=%s conn=%s", userID, cl.ConnID)
}

func (s *Server) readLoop(cl *Client) {
	for {
		var f Frame
		if err := cl.ws.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", cl.ConnID)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", cl.ConnID, err)
			}
			return
		}
		s.dispatch(cl, f)
	}
}

func (s *Server) dispatch(cl *Client, f Frame) {
	switch f.Op {
	case OpHeartbeat:
		s.presence.OnHeartbeat(cl.ConnID)

	case OpSend:
		req, err := decode.Raw[SendReq](f.Data)
		if err != nil {
			cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("malformed send")))
			return
		}
		s.handleSend(cl, req)

	case OpTyping:
		req, err := decode.Raw[TypingReq](f.Data)
		if err != nil || req.ConversationID == "" {
			return // typing is fire-and-forget, bad frames are dropped
		}
		s.typing.Signal(req.ConversationID, cl.UserID)

	case OpResume:
		req, err := decode.Raw[ResumeReq](f.Data)
		if err != nil {
			cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("malformed resume")))
			return
		}
		s.handleResume(cl, req)

	case OpWatch:
		req, err := decode.Raw[WatchReq](f.Data)
		if err != nil {
			cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("malformed watch")))
			return
		}
		s.handleWatch(cl, req)

	case OpPresence:
		req, err := decode.Raw[PresenceReq](f.Data)
		if err != nil {
			cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("malformed presence query")))
			return
		}
		s.handlePresenceQuery(cl, req)

	case OpJoinRoom:
		req, err := decode.Raw[JoinRoomReq](f.Data)
		if err != nil || req.RoomID == "" {
			cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("malformed join")))
			return
		}
		s.handleSocketJoin(cl, req)

	case OpRoomToken:
		req, err := decode.Raw[RoomTokenReq](f.Data)
		if err != nil || req.RoomID == "" {
			cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("malformed token request")))
			return
		}
		s.handleSocketToken(cl, req)

	default:
		cl.deliver(errEnvelope(f.Op, "", errs.ErrBadRequest.WithDetail("unknown op "+f.Op)))
	}
}

// handleSend commits through the pipeline off the read loop. The commit
// context is detached from the connection: a drop mid-send must not void a
// sequence number for a message the store would have taken.
func (s *Server) handleSend(cl *Client, req *SendReq) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		msg, err := s.pipe.Send(ctx, req.ConversationID, cl.UserID, req.Body, req.Nonce)
		if err != nil {
			cl.deliver(errEnvelope(OpSend, req.Nonce, err))
			return
		}
		cl.deliver(ackEnvelope(msg.ConversationID, msg.ClientNonce, msg.Seq, msg.ServerMsgID, s.conf.GatewayID, msg.CreateTimeMS))
	}()
}

// handleResume replays the backlog, signals completion, then hands the live
// subscription to the client's forwarder. Order matters: the client sees
// backlog, then catchup_done, then live events, without boundary repeats.
func (s *Server) handleResume(cl *Client, req *ResumeReq) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	in, err := s.store.IsParticipant(ctx, req.ConversationID, cl.UserID)
	if err != nil {
		cl.deliver(errEnvelope(OpResume, "", errs.ErrStoreUnavailable.WrapErr(err, "participant check")))
		return
	}
	if !in {
		cl.deliver(errEnvelope(OpResume, "", errs.ErrNotParticipant.WithDetail(cl.UserID)))
		return
	}

	sess, err := s.resolver.Resume(ctx, req.ConversationID, req.LastSeen)
	if err != nil {
		cl.deliver(errEnvelope(OpResume, "", err))
		return
	}

	// The backlog is replayed with backpressure, never best-effort: the
	// session floor already covers these seqs, so a dropped one would be a
	// permanent gap.
	waterline := req.LastSeen
	for _, m := range sess.Backlog {
		if !cl.deliverSync(event.NewMessage(m)) {
			s.bus.Unsubscribe(sess.Sub)
			cl.deliver(errEnvelope(OpResume, "", errs.ErrBusOverflow.WithDetail(req.ConversationID)))
			return
		}
		waterline = m.Seq
	}
	if !cl.deliverSync(catchupDoneEnvelope(req.ConversationID, waterline)) {
		s.bus.Unsubscribe(sess.Sub)
		return
	}
	cl.attachStream(event.TopicConversation(req.ConversationID), sess.Sub, sess)
}

// handleSocketJoin joins the room and attaches its event stream in one op,
// so a caller answering an invite needs no REST round trip first. The
// subscription is opened before Join: the joiner's own `joined` event and
// anything concurrent with it land in the subscription buffer and reach
// the client through the stream, exactly once.
func (s *Server) handleSocketJoin(cl *Client, req *JoinRoomReq) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	topic := event.TopicRoom(req.RoomID)
	sub := s.bus.Subscribe(topic)
	if _, err := s.rooms.Join(ctx, req.RoomID, cl.UserID); err != nil {
		s.bus.Unsubscribe(sub)
		cl.deliver(errEnvelope(OpJoinRoom, "", err))
		return
	}
	cl.attachStream(topic, sub, nil)
}

func (s *Server) handleSocketToken(cl *Client, req *RoomTokenReq) {
	tok, err := s.tokens.Issue(req.RoomID, cl.UserID, model.TokenScope{
		Publish:   req.Publish,
		Subscribe: req.Subscribe,
	})
	if err != nil {
		cl.deliver(errEnvelope(OpRoomToken, "", err))
		return
	}
	e := event.Envelope{Type: event.TypeAck, RoomID: req.RoomID}
	e.Payload = mustJSON(tok)
	cl.deliver(e)
}

func (s *Server) handleWatch(cl *Client, req *WatchReq) {
	switch {
	case req.RoomID != "":
		topic := event.TopicRoom(req.RoomID)
		cl.attachStream(topic, s.bus.Subscribe(topic), nil)
	case req.Presence:
		cl.attachStream(event.TopicPresence, s.bus.Subscribe(event.TopicPresence), nil)
	default:
		cl.deliver(errEnvelope(OpWatch, "", errs.ErrBadRequest.WithDetail("watch needs room_id or presence")))
	}
}

func (s *Server) handlePresenceQuery(cl *Client, req *PresenceReq) {
	statuses := s.presence.Query(req.UserIDs)
	e := event.Envelope{Type: event.TypePresenceChanged}
	e.Payload = mustJSON(statuses)
	cl.deliver(e)
}

// ===== REST =====

type ensureConversationReq struct {
	ConversationID string   `json:"conversation_id" binding:"required"`
	Participants   []string `json:"participants" binding:"required"`
}

func (s *Server) handleEnsureConversation(c *gin.Context) {
	var req ensureConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	if !contains(req.Participants, authmw.UserID(c)) {
		writeErr(c, errs.ErrNotParticipant.WithDetail("caller must be a participant"))
		return
	}
	if err := s.store.EnsureConversation(c.Request.Context(), req.ConversationID, req.Participants); err != nil {
		writeErr(c, errs.ErrStoreUnavailable.WrapErr(err, "ensure conversation"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": req.ConversationID})
}

type createRoomReq struct {
	DisplayName string `json:"display_name"`
	FamilyScope string `json:"family_scope"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	r, err := s.rooms.Create(c.Request.Context(), authmw.UserID(c), req.DisplayName, req.FamilyScope)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, s.rooms.ListActive(c.Query("family_scope")))
}

func (s *Server) handleGetRoom(c *gin.Context) {
	snap, err := s.rooms.Get(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	r, err := s.rooms.Join(c.Request.Context(), c.Param("id"), authmw.UserID(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	if err := s.rooms.Leave(c.Request.Context(), c.Param("id"), authmw.UserID(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (s *Server) handleEndRoom(c *gin.Context) {
	if err := s.rooms.End(c.Request.Context(), c.Param("id"), authmw.UserID(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

type issueTokenReq struct {
	Publish   bool `json:"publish"`
	Subscribe bool `json:"subscribe"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req issueTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, errs.ErrBadRequest.WithDetail(err.Error()))
		return
	}
	tok, err := s.tokens.Issue(c.Param("id"), authmw.UserID(c), model.TokenScope{
		Publish:   req.Publish,
		Subscribe: req.Subscribe,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleRoomHistory(c *gin.Context) {
	if s.history == nil {
		writeErr(c, errs.ErrBadRequest.WithDetail("history store not configured"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rooms, err := s.history.RoomHistory(c.Request.Context(), c.Query("family_scope"), limit)
	if err != nil {
		writeErr(c, errs.ErrStoreUnavailable.WrapErr(err, "room history"))
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// ===== helpers =====

func writeErr(c *gin.Context, err error) {
	var ce *errs.CodeError
	if !errs.AsCodeError(err, &ce) {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 0, "msg": err.Error()})
		return
	}
	c.JSON(httpStatus(ce), gin.H{"code": ce.Code, "msg": ce.Msg, "detail": ce.Detail})
}

func httpStatus(ce *errs.CodeError) int {
	switch {
	case ce.Code == errs.ErrUnauthorized.Code:
		return http.StatusUnauthorized
	case ce.Code == errs.ErrRoomNotFound.Code || ce.Code == errs.ErrConvNotFound.Code:
		return http.StatusNotFound
	case errs.IsValidation(ce):
		return http.StatusBadRequest
	case errs.IsConflict(ce):
		return http.StatusConflict
	case errs.IsStale(ce):
		return http.StatusGone
	case errs.IsTransient(ce):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
