package event

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"FamLink/tools/errs"
)

func staticFloor(n int64) FloorFunc {
	return func(ctx context.Context, conversationID string) (int64, error) { return n, nil }
}

func TestAssignSequential(t *testing.T) {
	s := NewSequencer(staticFloor(0))
	for want := int64(1); want <= 3; want++ {
		got, err := s.Assign(context.Background(), "c1", func(seq int64) error { return nil })
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		if got != want {
			t.Fatalf("seq = %d, want %d", got, want)
		}
	}
}

func TestAssignSeedsFromFloor(t *testing.T) {
	s := NewSequencer(staticFloor(41))
	got, err := s.Assign(context.Background(), "c1", func(seq int64) error { return nil })
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if got != 42 {
		t.Fatalf("seq = %d, want 42", got)
	}
}

func TestAssignCommitFailureVoidsNumber(t *testing.T) {
	s := NewSequencer(staticFloor(0))
	boom := errors.New("append failed")

	_, err := s.Assign(context.Background(), "c1", func(seq int64) error { return boom })
	if !errors.Is(err, errs.ErrSeqVoided) {
		t.Fatalf("err = %v, want ErrSeqVoided", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause lost from chain: %v", err)
	}

	voids := s.Voids("c1")
	if len(voids) != 1 || voids[0] != 1 {
		t.Fatalf("voids = %v, want [1]", voids)
	}

	// The voided number is never reused.
	got, err := s.Assign(context.Background(), "c1", func(seq int64) error { return nil })
	if err != nil {
		t.Fatalf("Assign after void failed: %v", err)
	}
	if got != 2 {
		t.Fatalf("seq after void = %d, want 2", got)
	}
}

func TestAssignConcurrentDistinct(t *testing.T) {
	s := NewSequencer(staticFloor(0))
	const n = 32

	var mu sync.Mutex
	seqs := make([]int64, 0, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Assign(context.Background(), "c1", func(seq int64) error { return nil })
			if err != nil {
				t.Errorf("Assign failed: %v", err)
				return
			}
			mu.Lock()
			seqs = append(seqs, got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, got := range seqs {
		if got != int64(i+1) {
			t.Fatalf("seqs[%d] = %d, want %d (gap or duplicate)", i, got, i+1)
		}
	}
}

func TestAssignIndependentConversations(t *testing.T) {
	s := NewSequencer(staticFloor(0))
	a, _ := s.Assign(context.Background(), "a", func(int64) error { return nil })
	b, _ := s.Assign(context.Background(), "b", func(int64) error { return nil })
	if a != 1 || b != 1 {
		t.Fatalf("got a=%d b=%d, conversations must sequence independently", a, b)
	}
}
