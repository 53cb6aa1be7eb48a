package nodedb

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/openodin/core/internal/codec"
	"github.com/openodin/core/internal/wire"
)

// ErrMissingCursor is returned by Fetch when query.CursorID1 does not
// appear in the window the fetch would otherwise produce.
var ErrMissingCursor = fmt.Errorf("nodedb: missing cursor")

// Fetch runs the streaming graph-walk query: seed the frontier, walk level
// by level honouring depth/limit, apply permission checks and match
// filters, then order and window the result.
func (d *DB) Fetch(ctx context.Context, q wire.FetchQuery, now int64, source, target []byte, replyFn func([]*codec.Node) error) (int64, error) {
	frontier, err := d.seedFrontier(ctx, q, now)
	if err != nil {
		return 0, err
	}

	var emitted []*codec.Node
	var examined int64
	depth := q.Depth
	unbounded := depth < 0

	for level := 0; (unbounded || level <= depth) && len(frontier) > 0; level++ {
		rows, err := d.queryChildren(ctx, frontier, now)
		if err != nil {
			return examined, err
		}
		if int64(len(rows)) > wire.MaxQueryLevelLimit {
			rows = rows[:wire.MaxQueryLevelLimit]
		}
		examined += int64(len(rows))
		if examined > wire.MaxQueryRowsLimit {
			break
		}

		rows = dropExpired(rows, now)
		if q.IgnoreInactive {
			rows = activeVariantsOnly(rows)
		}

		var nextFrontier [][32]byte
		for _, n := range rows {
			if q.IgnoreOwn && bytesEqual(n.Owner, source) {
				continue
			}
			allowed, err := d.CanRead(ctx, n, target)
			if err != nil {
				return examined, err
			}
			if !allowed {
				continue // silent elision
			}
			keep, bottom := applyMatches(n, q.Match)
			if keep {
				emitted = append(emitted, n)
			}
			if !bottom {
				nextFrontier = append(nextFrontier, n.ID1)
			}
		}
		frontier = nextFrontier
	}

	emitted = orderNodes(emitted, q.OrderByStorageTime, q.Descending)

	windowed, err := windowByCursor(emitted, q.CursorID1, q.Head, q.Tail, q.Reverse)
	if err != nil {
		return examined, err
	}

	if q.Limit > 0 && int64(len(windowed)) > q.Limit {
		windowed = windowed[:q.Limit]
	}

	if err := replyFn(windowed); err != nil {
		return examined, err
	}
	return examined, nil
}

func (d *DB) seedFrontier(ctx context.Context, q wire.FetchQuery, now int64) ([][32]byte, error) {
	if len(q.RootNodeID1) == 32 {
		var id [32]byte
		copy(id[:], q.RootNodeID1)
		if q.DiscardRoot {
			return [][32]byte{id}, nil
		}
		n, err := d.GetNodeByID1(ctx, id, now)
		if err != nil || n == nil {
			return nil, err
		}
		return [][32]byte{id}, nil
	}
	var parent [32]byte
	copy(parent[:], q.ParentID)
	return [][32]byte{parent}, nil
}

func (d *DB) queryChildren(ctx context.Context, frontier [][32]byte, now int64) ([]*codec.Node, error) {
	var out []*codec.Node
	for _, pid := range frontier {
		rows, err := d.db.QueryContext(ctx,
			`SELECT id1, parentid, encoded, expiretime, is_online_id_validated, storagetime
			 FROM nodes WHERE parentid = ? ORDER BY creationtime ASC LIMIT ?`,
			pid[:], wire.MaxQueryLevelLimit)
		if err != nil {
			return nil, fmt.Errorf("nodedb: query children: %w", err)
		}
		for rows.Next() {
			var r nodeRow
			if err := rows.Scan(&r.ID1, &r.ParentID, &r.Encoded, &r.ExpireTime, &r.IsOnlineIDValidated, &r.StorageTime); err != nil {
				rows.Close()
				return nil, err
			}
			n, err := decodeRow(r)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, n)
		}
		rows.Close()
	}
	return out, nil
}

func dropExpired(nodes []*codec.Node, now int64) []*codec.Node {
	out := nodes[:0:0]
	for _, n := range nodes {
		if n.ExpireTime != 0 && n.ExpireTime <= now {
			continue
		}
		out = append(out, n)
	}
	return out
}

// activeVariantsOnly keeps, for each id2 group, only the variant with the
// highest creationTime among those satisfying the active predicate
// (isOnlineIDValidated).
func activeVariantsOnly(nodes []*codec.Node) []*codec.Node {
	best := map[[32]byte]*codec.Node{}
	var noID2 []*codec.Node
	for _, n := range nodes {
		if isZeroArray(n.ID2) {
			noID2 = append(noID2, n)
			continue
		}
		if !n.Transient.IsOnlineIDValidated {
			continue
		}
		cur, ok := best[n.ID2]
		if !ok || n.CreationTime > cur.CreationTime {
			best[n.ID2] = n
		}
	}
	out := append([]*codec.Node{}, noID2...)
	for _, n := range best {
		out = append(out, n)
	}
	return out
}

func isZeroArray(b [32]byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// applyMatches applies each match[i] in order. A node
// survives if at least one match clause keeps it (match[] is a
// disjunction); bottom stops descent at this node regardless of whether it
// is kept.
func applyMatches(n *codec.Node, matches []wire.Match) (keep bool, bottom bool) {
	if len(matches) == 0 {
		return true, false
	}
	for _, m := range matches {
		if len(m.NodeType) > 0 && !bytes.Equal(m.NodeType, n.ContentType) {
			continue
		}
		if !filtersPass(n, m.Filters) {
			continue
		}
		if m.Bottom {
			bottom = true
		}
		if m.Discard {
			continue // discard: walk continues (handled via bottom above) but node is not emitted
		}
		keep = true
	}
	return keep, bottom
}

func filtersPass(n *codec.Node, filters []wire.Filter) bool {
	for _, f := range filters {
		if !filterPass(n, f) {
			return false
		}
	}
	return true
}

func filterPass(n *codec.Node, f wire.Filter) bool {
	var cmp int
	switch f.Field {
	case "creationTime":
		cmp = compareInt64(n.CreationTime, int64FromBytes(f.Value))
	case "expireTime":
		cmp = compareInt64(n.ExpireTime, int64FromBytes(f.Value))
	case "storageTime":
		cmp = compareInt64(n.Transient.StorageTime, int64FromBytes(f.Value))
	case "owner":
		cmp = bytes.Compare(n.Owner, f.Value)
	case "id1":
		cmp = bytes.Compare(n.ID1[:], f.Value)
	case "contentType":
		cmp = bytes.Compare(n.ContentType, f.Value)
	default:
		return true // unknown field: filter is a no-op rather than a hard failure
	}
	switch f.Op {
	case wire.OpEQ:
		return cmp == 0
	case wire.OpNE:
		return cmp != 0
	case wire.OpLT:
		return cmp < 0
	case wire.OpLE:
		return cmp <= 0
	case wire.OpGT:
		return cmp > 0
	case wire.OpGE:
		return cmp >= 0
	default:
		return false
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func int64FromBytes(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// orderNodes sorts by creationTime (or storageTime) with a deterministic
// id1-bytewise tie-break.
func orderNodes(nodes []*codec.Node, byStorageTime, descending bool) []*codec.Node {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		var av, bv int64
		if byStorageTime {
			av, bv = a.Transient.StorageTime, b.Transient.StorageTime
		} else {
			av, bv = a.CreationTime, b.CreationTime
		}
		if av != bv {
			if descending {
				return av > bv
			}
			return av < bv
		}
		c := bytes.Compare(a.ID1[:], b.ID1[:])
		if descending {
			return c > 0
		}
		return c < 0
	})
	return nodes
}

// windowByCursor applies the cursor/head/tail/reverse windowing a fetch
// query can request.
func windowByCursor(nodes []*codec.Node, cursorID1 []byte, head, tail int64, reverse bool) ([]*codec.Node, error) {
	if len(cursorID1) == 0 {
		if head > 0 || (head == 0 && tail == 0) {
			return clampHead(nodes, head), nil
		}
		return clampTail(nodes, tail), nil
	}
	idx := -1
	for i, n := range nodes {
		if bytes.Equal(n.ID1[:], cursorID1) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrMissingCursor
	}
	effHead, effTail := head, tail
	if reverse {
		effHead, effTail = tail, head
	}
	switch {
	case effHead > 0:
		return clampHead(nodes[idx+1:], effHead), nil
	case effTail > 0:
		return clampTail(nodes[:idx], effTail), nil
	default:
		return nil, nil
	}
}

func clampHead(nodes []*codec.Node, head int64) []*codec.Node {
	if head <= 0 || head > wire.MaxTransformerLength {
		head = wire.MaxTransformerLength
	}
	if int64(len(nodes)) > head {
		return nodes[:head]
	}
	return nodes
}

func clampTail(nodes []*codec.Node, tail int64) []*codec.Node {
	if tail <= 0 || tail > wire.MaxTransformerLength {
		tail = wire.MaxTransformerLength
	}
	if int64(len(nodes)) > tail {
		return nodes[int64(len(nodes))-tail:]
	}
	return nodes
}
