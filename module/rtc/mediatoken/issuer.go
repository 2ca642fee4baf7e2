package mediatoken

import (
	"sync/atomic"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"FamLink/module/rtc/model"
	"FamLink/tools/errs"
	"FamLink/tools/security"
)

// RoomGate answers the issuing preconditions: the room exists, is not
// ended, and the user holds an active participant row.
type RoomGate interface {
	HasActiveParticipant(roomID, userID string) (bool, error)
}

type Conf struct {
	TransportAddr string
	TokenSecret   string
	TokenTTL      time.Duration
}

// Issuer signs short-lived admission credentials for the external media
// transport. Tokens are never stored; the transport verifies the signature
// on its own.
type Issuer struct {
	conf   Conf
	rooms  RoomGate
	issued atomic.Int64
}

func NewIssuer(conf Conf, rooms RoomGate) *Issuer {
	if conf.TokenTTL <= 0 {
		conf.TokenTTL = 5 * time.Minute
	}
	return &Issuer{conf: conf, rooms: rooms}
}

// Issue returns a signed token bound to room, user and scope. Issuance does
// not affect room state.
func (i *Issuer) Issue(roomID, userID string, scope model.TokenScope) (*model.AdmissionToken, error) {
	in, err := i.rooms.HasActiveParticipant(roomID, userID)
	if err != nil {
		return nil, err
	}
	if !in {
		return nil, errs.ErrNotInRoom.WithDetail(userID + " in " + roomID)
	}

	opts := security.Options{Secret: []byte(i.conf.TokenSecret), TTL: i.conf.TokenTTL}
	token, expireAt, err := security.Sign(opts, jwtlib.MapClaims{
		"sub":  userID,
		"room": roomID,
		"scope": map[string]bool{
			"publish":   scope.Publish,
			"subscribe": scope.Subscribe,
		},
	})
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "sign admission token")
	}

	i.issued.Add(1)
	return &model.AdmissionToken{
		RoomID:        roomID,
		UserID:        userID,
		Scope:         scope,
		Token:         token,
		TransportAddr: i.conf.TransportAddr,
		ExpireAt:      expireAt,
	}, nil
}

// Issued reports how many tokens this issuer has signed since start.
func (i *Issuer) Issued() int64 { return i.issued.Load() }
