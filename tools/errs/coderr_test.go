package errs

import (
	"errors"
	"testing"
)

func TestSentinelMatchSurvivesWrapping(t *testing.T) {
	err := ErrStaleCursor.WithDetail("conv-1")
	if !errors.Is(err, ErrStaleCursor) {
		t.Fatal("WithDetail broke errors.Is")
	}

	wrapped := ErrStoreUnavailable.WrapErr(errors.New("dial tcp: refused"), "append", "conv", "c1")
	if !errors.Is(wrapped, ErrStoreUnavailable) {
		t.Fatal("WrapErr broke errors.Is")
	}
}

func TestWrapErrKeepsCause(t *testing.T) {
	cause := errors.New("duplicate key")
	err := ErrSeqVoided.WrapErr(cause, "commit", "seq", 7)
	if !errors.Is(err, cause) {
		t.Fatal("cause lost from the chain")
	}
	if !errors.Is(err, ErrSeqVoided) {
		t.Fatal("code lost from the chain")
	}
}

func TestWithDetailLeavesSentinelClean(t *testing.T) {
	_ = ErrBadRequest.WithDetail("once")
	_ = ErrBadRequest.WithDetail("twice")
	if ErrBadRequest.Detail != "" {
		t.Fatalf("sentinel mutated: %q", ErrBadRequest.Detail)
	}
}

func TestClassifiers(t *testing.T) {
	cases := []struct {
		err    error
		class  func(error) bool
		others []func(error) bool
	}{
		{ErrBadNonce, IsValidation, []func(error) bool{IsConflict, IsTransient, IsStale}},
		{ErrRoomClosed, IsConflict, []func(error) bool{IsValidation, IsTransient, IsStale}},
		{ErrStoreUnavailable, IsTransient, []func(error) bool{IsValidation, IsConflict, IsStale}},
		{ErrStaleCursor, IsStale, []func(error) bool{IsValidation, IsConflict, IsTransient}},
	}
	for _, c := range cases {
		if !c.class(c.err) {
			t.Fatalf("%v not in its own class", c.err)
		}
		for _, other := range c.others {
			if other(c.err) {
				t.Fatalf("%v matched a foreign class", c.err)
			}
		}
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != 0 {
		t.Fatalf("CodeOf(plain) = %d, want 0", got)
	}
}
