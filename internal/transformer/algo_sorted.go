package transformer

import (
	"bytes"
	"sort"
	"sync"

	"github.com/openodin/core/internal/wire"
)

// sortedView is AlgoSorted: a vector kept ordered by (creationTime, id1) or
// (storageTime, id1), plus an id1→position map kept consistent after every
// mutation.
type sortedView struct {
	mu            sync.Mutex
	byStorageTime bool
	vec           []Item
	pos           map[[32]byte]int
}

func newSortedView(byStorageTime bool) *sortedView {
	return &sortedView{byStorageTime: byStorageTime, pos: map[[32]byte]int{}}
}

func (v *sortedView) sortKey(it Item) int64 {
	if v.byStorageTime {
		return it.StorageTime
	}
	return it.CreationTime
}

func (v *sortedView) reindex() {
	sort.SliceStable(v.vec, func(i, j int) bool {
		a, b := v.vec[i], v.vec[j]
		ak, bk := v.sortKey(a), v.sortKey(b)
		if ak != bk {
			return ak < bk
		}
		return bytes.Compare(a.ID1[:], b.ID1[:]) < 0
	})
	v.pos = make(map[[32]byte]int, len(v.vec))
	for i, it := range v.vec {
		v.pos[it.ID1] = i
	}
}

func (v *sortedView) Add(item Item) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i, ok := v.pos[item.ID1]; ok {
		v.vec[i] = item
		v.reindex()
		return nil
	}
	if int64(len(v.vec)) >= wire.MaxTransformerLength {
		return ErrOverflow
	}
	v.vec = append(v.vec, item)
	v.reindex()
	return nil
}

func (v *sortedView) Delete(id1 [32]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.pos[id1]
	if !ok {
		return
	}
	v.vec = append(v.vec[:i], v.vec[i+1:]...)
	v.reindex()
}

func (v *sortedView) GetLength() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.vec)
}

func (v *sortedView) GetAllNodes() [][32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][32]byte, len(v.vec))
	for i, it := range v.vec {
		out[i] = it.ID1
	}
	return out
}

func (v *sortedView) GetIndexes(ids [][32]byte) map[[32]byte]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[[32]byte]int, len(ids))
	for _, id := range ids {
		if i, ok := v.pos[id]; ok {
			out[id] = i
		}
	}
	return out
}

func (v *sortedView) Get(cursorID1 []byte, head, tail int64, reverse bool) ([][32]byte, error) {
	v.mu.Lock()
	all := make([][32]byte, len(v.vec))
	for i, it := range v.vec {
		all[i] = it.ID1
	}
	v.mu.Unlock()
	return windowSlice(all, cursorID1, head, tail, reverse)
}

func (v *sortedView) transientHash(id [32]byte) ([32]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.pos[id]
	if !ok {
		return [32]byte{}, false
	}
	return v.vec[i].TransientHash, true
}
