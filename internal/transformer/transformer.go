// Package transformer implements an in-memory ordered query view: two sort
// algorithms behind one interface, plus type-byte-framed delta emission (a
// diff-match-patch delta of the id list) that a subscribed fetch streams on
// each re-run.
//
// No ready-made analogue exists elsewhere in this module for a live ordered
// view, so the shape here is new, built as a stateful, mutex-guarded
// component in the style of core/connection_pool.go.
package transformer

import (
	"fmt"
)

// Algo names the sort algorithm a Transformer is built with.
type Algo uint8

const (
	AlgoSorted Algo = iota + 1
	AlgoRefID
)

// Item is the subset of a node's fields the view needs to order and diff it,
// decoupling the view from codec.Node.
type Item struct {
	ID1           [32]byte
	CreationTime  int64
	StorageTime   int64
	TransientHash [32]byte
	RefID         [32]byte // zero value: no referent (AlgoRefID root level)
}

// view is the shared interface both algorithms implement.
type view interface {
	Add(item Item) error
	Delete(id1 [32]byte)
	Get(cursorID1 []byte, head, tail int64, reverse bool) ([][32]byte, error)
	GetIndexes(ids [][32]byte) map[[32]byte]int
	GetLength() int
	GetAllNodes() [][32]byte
}

// Transformer is a live ordered view over one query's result set, with
// delta emission across successive Emit calls.
type Transformer struct {
	algo Algo
	view view

	prevEmitted       [][32]byte
	lastTransientHash map[[32]byte][32]byte
	firstEmission     bool
}

// New constructs a Transformer for the given algorithm. byStorageTime only
// affects AlgoSorted's ordering key.
func New(algo Algo, byStorageTime bool) (*Transformer, error) {
	var v view
	switch algo {
	case AlgoSorted:
		v = newSortedView(byStorageTime)
	case AlgoRefID:
		v = newRefIDView()
	default:
		return nil, fmt.Errorf("transformer: unknown algo %d", algo)
	}
	return &Transformer{
		algo:              algo,
		view:              v,
		lastTransientHash: map[[32]byte][32]byte{},
		firstEmission:     true,
	}, nil
}

// Add inserts or updates item in the view. It returns ErrOverflow if item is
// new and the view already holds wire.MaxTransformerLength items.
func (t *Transformer) Add(item Item) error     { return t.view.Add(item) }
func (t *Transformer) Delete(id1 [32]byte)     { t.view.Delete(id1) }
func (t *Transformer) GetLength() int          { return t.view.GetLength() }
func (t *Transformer) GetAllNodes() [][32]byte { return t.view.GetAllNodes() }
func (t *Transformer) GetIndexes(ids [][32]byte) map[[32]byte]int {
	return t.view.GetIndexes(ids)
}

// Get returns the windowed id1 list for the given cursor/head/tail/reverse
// parameters.
func (t *Transformer) Get(cursorID1 []byte, head, tail int64, reverse bool) ([][32]byte, error) {
	return t.view.Get(cursorID1, head, tail, reverse)
}

// Emission is what one Emit call produces: the new window, which ids are
// newly present, which previously-present ids changed transient state, and
// the framed delta (see computeDelta) between the previous and new id lists
// (nil on the first emission).
type Emission struct {
	Window  [][32]byte
	Added   [][32]byte
	Changed [][32]byte
	Delta   []byte
}

// Emit computes the window and diffs it against the previous emission.
// "Changed" nodes are those that were present in both the previous and new
// window whose transient hash differs from the last seen value.
func (t *Transformer) Emit(cursorID1 []byte, head, tail int64, reverse bool) (Emission, error) {
	window, err := t.Get(cursorID1, head, tail, reverse)
	if err != nil {
		return Emission{}, err
	}

	prevSet := make(map[[32]byte]bool, len(t.prevEmitted))
	for _, id := range t.prevEmitted {
		prevSet[id] = true
	}

	var added, changed [][32]byte
	seen := make(map[[32]byte]bool, len(window))
	for _, id := range window {
		seen[id] = true
		if !prevSet[id] {
			added = append(added, id)
			continue
		}
		if h, ok := t.currentTransientHash(id); ok {
			if prev, ok2 := t.lastTransientHash[id]; !ok2 || prev != h {
				changed = append(changed, id)
			}
		}
	}

	for id := range t.lastTransientHash {
		if !seen[id] {
			delete(t.lastTransientHash, id)
		}
	}
	for _, id := range window {
		if h, ok := t.currentTransientHash(id); ok {
			t.lastTransientHash[id] = h
		}
	}

	var delta []byte
	if !t.firstEmission {
		delta = computeDelta(t.prevEmitted, window)
	}
	t.prevEmitted = window
	t.firstEmission = false

	return Emission{Window: window, Added: added, Changed: changed, Delta: delta}, nil
}

func (t *Transformer) currentTransientHash(id [32]byte) ([32]byte, bool) {
	sv, ok := t.view.(*sortedView)
	if ok {
		return sv.transientHash(id)
	}
	rv, ok := t.view.(*refIDView)
	if ok {
		return rv.transientHash(id)
	}
	return [32]byte{}, false
}
