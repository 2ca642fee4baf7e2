package mediatoken

import (
	"errors"
	"testing"
	"time"

	"FamLink/module/rtc/model"
	"FamLink/tools/errs"
	"FamLink/tools/security"
)

type fakeGate struct {
	active map[string]bool // roomID|userID
	err    error
}

func (g *fakeGate) HasActiveParticipant(roomID, userID string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.active[roomID+"|"+userID], nil
}

func TestIssueForActiveParticipant(t *testing.T) {
	iss := NewIssuer(Conf{
		TransportAddr: "media.example.com:443",
		TokenSecret:   "test-secret",
		TokenTTL:      time.Minute,
	}, &fakeGate{active: map[string]bool{"r1|mom": true}})

	tok, err := iss.Issue("r1", "mom", model.TokenScope{Publish: true, Subscribe: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.TransportAddr != "media.example.com:443" {
		t.Fatalf("TransportAddr = %q", tok.TransportAddr)
	}
	if tok.ExpireAt.Before(time.Now()) {
		t.Fatal("token already expired")
	}

	claims, err := security.Verify(security.Options{Secret: []byte("test-secret")}, tok.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	sub, err := security.Subject(claims)
	if err != nil || sub != "mom" {
		t.Fatalf("subject = %q err=%v, want mom", sub, err)
	}
	if claims["room"] != "r1" {
		t.Fatalf("room claim = %v, want r1", claims["room"])
	}
	scope, ok := claims["scope"].(map[string]any)
	if !ok || scope["publish"] != true || scope["subscribe"] != true {
		t.Fatalf("scope claim = %v", claims["scope"])
	}
	if got := iss.Issued(); got != 1 {
		t.Fatalf("Issued() = %d, want 1", got)
	}
}

func TestIssueRejectsNonParticipant(t *testing.T) {
	iss := NewIssuer(Conf{TokenSecret: "s"}, &fakeGate{})
	if _, err := iss.Issue("r1", "stranger", model.TokenScope{Subscribe: true}); !errors.Is(err, errs.ErrNotInRoom) {
		t.Fatalf("err = %v, want ErrNotInRoom", err)
	}
	if got := iss.Issued(); got != 0 {
		t.Fatalf("Issued() = %d after rejection, want 0", got)
	}
}

func TestIssuePassesThroughGateError(t *testing.T) {
	iss := NewIssuer(Conf{TokenSecret: "s"}, &fakeGate{err: errs.ErrRoomClosed.WithDetail("r1")})
	if _, err := iss.Issue("r1", "mom", model.TokenScope{}); !errors.Is(err, errs.ErrRoomClosed) {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}
}

func TestIssueWrongSecretFailsVerify(t *testing.T) {
	iss := NewIssuer(Conf{TokenSecret: "right"}, &fakeGate{active: map[string]bool{"r1|mom": true}})
	tok, err := iss.Issue("r1", "mom", model.TokenScope{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := security.Verify(security.Options{Secret: []byte("wrong")}, tok.Token); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}
