package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/openodin/core/internal/wire"
)

func TestFireInsertSkipsMutedAndCorked(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	var node [32]byte
	node[0] = 1
	msgA := [4]byte{1}
	msgB := [4]byte{2}

	var runsA, runsB int32
	tA := s.Register("keyA", msgA, wire.FetchRequest{MsgID: msgA}, nil, nil, node)
	tB := s.Register("keyB", msgB, wire.FetchRequest{MsgID: msgB}, nil, nil, node)

	run := func(tr *Trigger) {
		switch tr.MsgID {
		case msgA:
			atomic.AddInt32(&runsA, 1)
		case msgB:
			atomic.AddInt32(&runsB, 1)
		}
	}

	// both triggers start corked: no fire yet.
	s.FireInsert(node, nil, run)
	if runsA != 0 || runsB != 0 {
		t.Fatalf("expected no runs while corked, got runsA=%d runsB=%d", runsA, runsB)
	}

	tA.Uncork(run)
	tB.Uncork(run)

	s.FireInsert(node, [][4]byte{msgB}, run)
	if runsA != 1 {
		t.Fatalf("expected trigger A to fire once, got %d", runsA)
	}
	if runsB != 0 {
		t.Fatalf("expected trigger B to be muted, got %d runs", runsB)
	}
}

func TestReentrantFireCoalesces(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	var node [32]byte
	node[0] = 2
	msgID := [4]byte{9}
	tr := s.Register("key", msgID, wire.FetchRequest{MsgID: msgID}, nil, nil, node)
	tr.Uncork(func(*Trigger) {})

	var calls int32
	blocked := make(chan struct{})
	done := make(chan struct{})

	go func() {
		s.fire(tr, func(*Trigger) {
			atomic.AddInt32(&calls, 1)
			<-blocked
		})
		close(done)
	}()

	// give the first fire time to enter isRunning, then queue a second
	// event that must coalesce rather than run concurrently.
	time.Sleep(10 * time.Millisecond)
	s.FireInsert(node, nil, func(*Trigger) { atomic.AddInt32(&calls, 1) })
	close(blocked)
	<-done

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 runs (initial + coalesced), got %d", calls)
	}
}

func TestUnsubscribeClosesTrigger(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	var node [32]byte
	node[0] = 3
	msgID := [4]byte{5}
	tr := s.Register("key", msgID, wire.FetchRequest{MsgID: msgID}, nil, nil, node)
	tr.Uncork(func(*Trigger) {})

	s.Unsubscribe(node, msgID)
	if !tr.Closed() {
		t.Fatalf("expected trigger to be closed after unsubscribe")
	}

	var calls int32
	s.FireInsert(node, nil, func(*Trigger) { atomic.AddInt32(&calls, 1) })
	if calls != 0 {
		t.Fatalf("expected closed trigger not to fire, got %d calls", calls)
	}
}

func TestHashKeyOmitsWindowFields(t *testing.T) {
	base := wire.FetchRequest{
		MsgID: [4]byte{1},
		Query: wire.FetchQuery{ParentID: []byte("p"), Depth: 2},
	}
	withWindow := base
	withWindow.Query.Head = 5
	withWindow.Query.Tail = 0
	withWindow.Query.CursorID1 = []byte("cursor")
	withWindow.Query.Reverse = true
	withWindow.Query.CutoffTime = 1234

	if HashKey(base) != HashKey(withWindow) {
		t.Fatalf("expected window-only field changes not to affect HashKey")
	}

	changed := base
	changed.Query.Depth = 3
	if HashKey(base) == HashKey(changed) {
		t.Fatalf("expected a query field change to affect HashKey")
	}
}
