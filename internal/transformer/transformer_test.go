package transformer

import (
	"encoding/binary"
	"testing"

	"github.com/openodin/core/internal/wire"
)

func idOf(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func idOfInt(i int) [32]byte {
	var id [32]byte
	binary.BigEndian.PutUint32(id[28:], uint32(i))
	return id
}

func TestSortedViewOrdering(t *testing.T) {
	tr, err := New(AlgoSorted, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr.Add(Item{ID1: idOf(3), CreationTime: 300})
	tr.Add(Item{ID1: idOf(1), CreationTime: 100})
	tr.Add(Item{ID1: idOf(2), CreationTime: 200})

	all := tr.GetAllNodes()
	if len(all) != 3 || all[0] != idOf(1) || all[1] != idOf(2) || all[2] != idOf(3) {
		t.Fatalf("expected ascending creationTime order, got %v", all)
	}
}

// S5 — transformer windowing.
func TestSortedViewWindowing(t *testing.T) {
	tr, err := New(AlgoSorted, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := byte(0); i < 10; i++ {
		tr.Add(Item{ID1: idOf(i), CreationTime: int64(i) * 100})
	}

	window, err := tr.Get(nil, 3, 0, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(window) != 3 || window[0] != idOf(0) || window[2] != idOf(2) {
		t.Fatalf("expected 3 oldest, got %v", window)
	}

	window, err = tr.Get(idOf(2)[:], 3, 0, false)
	if err != nil {
		t.Fatalf("get with cursor: %v", err)
	}
	if len(window) != 3 || window[0] != idOf(3) || window[2] != idOf(5) {
		t.Fatalf("expected [3,4,5], got %v", window)
	}

	_, err = tr.Get([]byte{0xde, 0xad, 0xbe, 0xef}, 3, 0, false)
	if err != ErrMissingCursor {
		t.Fatalf("expected ErrMissingCursor, got %v", err)
	}
}

func TestSortedViewAddRejectsOverflow(t *testing.T) {
	v := newSortedView(false)
	v.vec = make([]Item, wire.MaxTransformerLength)
	for i := range v.vec {
		v.vec[i] = Item{ID1: idOfInt(i), CreationTime: int64(i)}
	}
	v.reindex()

	if err := v.Add(Item{ID1: idOfInt(wire.MaxTransformerLength)}); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow at capacity, got %v", err)
	}

	existing := v.vec[0]
	existing.CreationTime = 999
	if err := v.Add(existing); err != nil {
		t.Fatalf("expected update of an existing item to succeed at capacity, got %v", err)
	}
}

func TestRefIDViewAddRejectsOverflow(t *testing.T) {
	v := newRefIDView()
	for i := 0; i < wire.MaxTransformerLength; i++ {
		v.items[idOfInt(i)] = Item{ID1: idOfInt(i), CreationTime: int64(i)}
	}

	if err := v.Add(Item{ID1: idOfInt(wire.MaxTransformerLength)}); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow at capacity, got %v", err)
	}

	existing := v.items[idOfInt(0)]
	existing.CreationTime = 999
	if err := v.Add(existing); err != nil {
		t.Fatalf("expected update of an existing item to succeed at capacity, got %v", err)
	}
}

func TestRefIDViewOrdersReferentBeforeReferencer(t *testing.T) {
	tr, err := New(AlgoRefID, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	root := idOf(1)
	child := idOf(2)
	grandchild := idOf(3)

	tr.Add(Item{ID1: grandchild, CreationTime: 10, RefID: child})
	tr.Add(Item{ID1: child, CreationTime: 5, RefID: root})
	tr.Add(Item{ID1: root, CreationTime: 1})

	all := tr.GetAllNodes()
	idx := tr.GetIndexes([][32]byte{root, child, grandchild})
	if idx[root] >= idx[child] || idx[child] >= idx[grandchild] {
		t.Fatalf("expected root < child < grandchild in %v (indexes %v)", all, idx)
	}
}

func TestEmitTracksAddedAndDelta(t *testing.T) {
	tr, err := New(AlgoSorted, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr.Add(Item{ID1: idOf(1), CreationTime: 100})

	first, err := tr.Emit(nil, 0, 0, false)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if first.Delta != nil {
		t.Fatalf("expected nil delta on first emission")
	}
	if len(first.Added) != 1 {
		t.Fatalf("expected 1 added node, got %d", len(first.Added))
	}

	tr.Add(Item{ID1: idOf(2), CreationTime: 200})
	second, err := tr.Emit(nil, 0, 0, false)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if second.Delta == nil {
		t.Fatalf("expected non-nil delta on second emission")
	}
	if second.Delta[0] != deltaTypeFossil {
		t.Fatalf("expected leading type byte %d, got %d", deltaTypeFossil, second.Delta[0])
	}
	if len(second.Added) != 1 || second.Added[0] != idOf(2) {
		t.Fatalf("expected only idOf(2) added, got %v", second.Added)
	}
}
