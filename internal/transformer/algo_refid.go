package transformer

import (
	"bytes"
	"sort"
	"sync"

	"github.com/openodin/core/internal/wire"
)

// refIDView is AlgoRefID: a tree keyed by each item's RefID, ordered first
// by depth level, then by (creationTime, id1) within a level. A referencing
// item always sorts after its referent because it sits at a strictly
// greater depth.
type refIDView struct {
	mu    sync.Mutex
	items map[[32]byte]Item
}

func newRefIDView() *refIDView {
	return &refIDView{items: map[[32]byte]Item{}}
}

func (v *refIDView) Add(item Item) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.items[item.ID1]; !ok && int64(len(v.items)) >= wire.MaxTransformerLength {
		return ErrOverflow
	}
	v.items[item.ID1] = item
	return nil
}

func (v *refIDView) Delete(id1 [32]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.items, id1)
}

func (v *refIDView) GetLength() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

// ordered recomputes depth and sorts the full item set. Called with the
// lock held; re-indexing on every read keeps the tree simple at the cost of
// an O(n log n) pass per fetch cycle, acceptable at the view sizes a single
// subscribed query produces.
func (v *refIDView) ordered() []Item {
	items := make([]Item, 0, len(v.items))
	for _, it := range v.items {
		items = append(items, it)
	}

	depth := make(map[[32]byte]int, len(items))
	var depthOf func(id [32]byte, seen map[[32]byte]bool) int
	depthOf = func(id [32]byte, seen map[[32]byte]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		it, ok := v.items[id]
		if !ok {
			return 0
		}
		if it.RefID == ([32]byte{}) || seen[id] {
			depth[id] = 0
			return 0
		}
		if _, ok := v.items[it.RefID]; !ok {
			depth[id] = 0
			return 0
		}
		seen[id] = true
		d := depthOf(it.RefID, seen) + 1
		depth[id] = d
		return d
	}
	for _, it := range items {
		depthOf(it.ID1, map[[32]byte]bool{})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		da, db := depth[a.ID1], depth[b.ID1]
		if da != db {
			return da < db
		}
		if a.CreationTime != b.CreationTime {
			return a.CreationTime < b.CreationTime
		}
		return bytes.Compare(a.ID1[:], b.ID1[:]) < 0
	})
	return items
}

func (v *refIDView) GetAllNodes() [][32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	items := v.ordered()
	out := make([][32]byte, len(items))
	for i, it := range items {
		out[i] = it.ID1
	}
	return out
}

func (v *refIDView) GetIndexes(ids [][32]byte) map[[32]byte]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	items := v.ordered()
	pos := make(map[[32]byte]int, len(items))
	for i, it := range items {
		pos[it.ID1] = i
	}
	out := make(map[[32]byte]int, len(ids))
	for _, id := range ids {
		if p, ok := pos[id]; ok {
			out[id] = p
		}
	}
	return out
}

func (v *refIDView) Get(cursorID1 []byte, head, tail int64, reverse bool) ([][32]byte, error) {
	v.mu.Lock()
	items := v.ordered()
	v.mu.Unlock()
	all := make([][32]byte, len(items))
	for i, it := range items {
		all[i] = it.ID1
	}
	return windowSlice(all, cursorID1, head, tail, reverse)
}

func (v *refIDView) transientHash(id [32]byte) ([32]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.items[id]
	if !ok {
		return [32]byte{}, false
	}
	return it.TransientHash, true
}
