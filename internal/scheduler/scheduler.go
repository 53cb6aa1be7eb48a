// Package scheduler implements the subscription scheduler:
// server-side live-query state (Trigger), keyed by triggerNodeId, fired on
// matching stores and on a periodic interval sweep.
//
// Shape grounded on core/connection_pool.go's background reaper goroutine
// and mutex-guarded map-of-slices registry.
package scheduler

import (
	"bytes"
	"sync"
	"time"

	"github.com/openodin/core/internal/transformer"
	"github.com/openodin/core/internal/wire"
)

// Trigger is the server-side state of a live query.
type Trigger struct {
	Key             string
	MsgID           [4]byte
	FetchRequest    wire.FetchRequest
	View            *transformer.Transformer
	SendResponse    func(wire.FetchResponse) error
	TriggerNodeID   [32]byte
	TriggerInterval int64
	Source          []byte
	Target          []byte

	mu              sync.Mutex
	isRunning       bool
	isCorked        bool
	isPending       bool
	closed          bool
	lastIntervalRun int64
}

// newTrigger returns a Trigger that starts corked: its initial state holds
// until the seed fetch has been delivered and Uncork is called.
func newTrigger(key string, msgID [4]byte, req wire.FetchRequest, view *transformer.Transformer, send func(wire.FetchResponse) error, triggerNodeID [32]byte) *Trigger {
	return &Trigger{
		Key:           key,
		MsgID:         msgID,
		FetchRequest:  req,
		View:          view,
		SendResponse:  send,
		TriggerNodeID: triggerNodeID,
		isCorked:      true,
	}
}

// Uncork lifts the cork so later events fire, and runs the trigger once if
// an event is already marked pending. Events that arrive while the trigger
// is corked are dropped by tryEnter, not queued, so they are not replayed here.
func (t *Trigger) Uncork(run func(*Trigger)) {
	t.mu.Lock()
	t.isCorked = false
	pending := t.isPending
	t.isPending = false
	t.mu.Unlock()
	if pending {
		run(t)
	}
}

// Closed reports whether the trigger has been cancelled.
func (t *Trigger) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close marks the trigger cancelled.
func (t *Trigger) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// tryEnter implements the re-entry guard: if the trigger is corked or
// closed, the event is dropped; if already running, the event coalesces
// into isPending rather than firing immediately.
func (t *Trigger) tryEnter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.isCorked {
		return false
	}
	if t.isRunning {
		t.isPending = true
		return false
	}
	t.isRunning = true
	return true
}

func (t *Trigger) leave() (runAgain bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isRunning = false
	if t.isPending {
		t.isPending = false
		t.isRunning = true
		return true
	}
	return false
}

// Scheduler indexes triggers by triggerNodeId and runs the periodic
// interval sweep.
type Scheduler struct {
	mu        sync.Mutex
	byNode    map[[32]byte][]*Trigger
	closing   chan struct{}
	closeOnce sync.Once
	interval  time.Duration

	runnerMu sync.Mutex
	runner   func(*Trigger)
}

// New starts a Scheduler whose periodic sweep runs every interval. The
// sweep re-fires triggers whose TriggerInterval has elapsed but does
// nothing until SetRunner is called, since the re-query callback lives in
// the storage engine, which is constructed after the Scheduler.
func New(interval time.Duration) *Scheduler {
	s := &Scheduler{
		byNode:   map[[32]byte][]*Trigger{},
		closing:  make(chan struct{}),
		interval: interval,
	}
	go s.sweepLoop()
	return s
}

// SetRunner installs the callback the periodic sweep uses to re-fire due
// triggers. Called once by the storage engine after construction, the way
// AddKeyPair broadcasts a keypair to an already-running offload pool.
func (s *Scheduler) SetRunner(run func(*Trigger)) {
	s.runnerMu.Lock()
	s.runner = run
	s.runnerMu.Unlock()
}

func (s *Scheduler) getRunner() func(*Trigger) {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	return s.runner
}

// Register adds a new, initially-corked trigger under triggerNodeId.
func (s *Scheduler) Register(key string, msgID [4]byte, req wire.FetchRequest, view *transformer.Transformer, send func(wire.FetchResponse) error, triggerNodeID [32]byte) *Trigger {
	t := newTrigger(key, msgID, req, view, send, triggerNodeID)
	s.mu.Lock()
	s.byNode[triggerNodeID] = append(s.byNode[triggerNodeID], t)
	s.mu.Unlock()
	return t
}

// Unsubscribe cancels every trigger registered under triggerNodeId whose
// MsgID matches msgID.
func (s *Scheduler) Unsubscribe(triggerNodeID [32]byte, msgID [4]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byNode[triggerNodeID] {
		if t.MsgID == msgID {
			t.Close()
		}
	}
}

// UnsubscribeByMsgID closes every trigger whose MsgID matches msgID,
// regardless of which triggerNodeId it is registered under. Used by the
// storage engine, which only has the original request's msgId to go on.
func (s *Scheduler) UnsubscribeByMsgID(msgID [4]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, triggers := range s.byNode {
		for _, t := range triggers {
			if t.MsgID == msgID {
				t.Close()
			}
		}
	}
}

// FireInsert emits an insert event to every non-muted trigger registered
// under triggerNodeId. run performs the actual re-query and
// response emission; FireInsert only decides which triggers are eligible.
func (s *Scheduler) FireInsert(triggerNodeID [32]byte, muteMsgIDs [][4]byte, run func(*Trigger)) {
	s.mu.Lock()
	triggers := append([]*Trigger{}, s.byNode[triggerNodeID]...)
	s.mu.Unlock()

	for _, t := range triggers {
		if t.Closed() || isMuted(t.MsgID, muteMsgIDs) {
			continue
		}
		s.fire(t, run)
	}
}

func isMuted(msgID [4]byte, muted [][4]byte) bool {
	for _, m := range muted {
		if bytes.Equal(m[:], msgID[:]) {
			return true
		}
	}
	return false
}

func (s *Scheduler) fire(t *Trigger, run func(*Trigger)) {
	if !t.tryEnter() {
		return
	}
	run(t)
	for t.leave() {
		run(t)
	}
}

// sweepLoop re-fires triggers whose TriggerInterval has elapsed.
func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce(time.Now().UnixMilli(), s.getRunner())
		case <-s.closing:
			return
		}
	}
}

// sweepOnce is split out from sweepLoop so tests can drive the sweep
// deterministically with a fixed now and run callback.
func (s *Scheduler) sweepOnce(now int64, run func(*Trigger)) {
	s.mu.Lock()
	var due []*Trigger
	for _, triggers := range s.byNode {
		for _, t := range triggers {
			if t.Closed() || t.TriggerInterval <= 0 {
				continue
			}
			t.mu.Lock()
			elapsed := now-t.lastIntervalRun >= t.TriggerInterval
			if elapsed {
				t.lastIntervalRun = now
			}
			t.mu.Unlock()
			if elapsed {
				due = append(due, t)
			}
		}
	}
	s.gc()
	s.mu.Unlock()

	if run == nil {
		return
	}
	for _, t := range due {
		s.fire(t, run)
	}
}

// gc drops closed triggers from the index. Caller holds s.mu.
func (s *Scheduler) gc() {
	for node, triggers := range s.byNode {
		kept := triggers[:0]
		for _, t := range triggers {
			if !t.Closed() {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(s.byNode, node)
		} else {
			s.byNode[node] = kept
		}
	}
}

// Close stops the periodic sweep and cancels every registered trigger.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, triggers := range s.byNode {
			for _, t := range triggers {
				t.Close()
			}
		}
		s.byNode = map[[32]byte][]*Trigger{}
	})
}
