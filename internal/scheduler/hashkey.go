package scheduler

import (
	"encoding/binary"
	"fmt"

	"github.com/openodin/core/internal/nodecrypto"
	"github.com/openodin/core/internal/wire"
)

// HashKey canonicalises the subset of a fetch request that determines the
// underlying model: query fields plus algos, triggerNodeId and msgId,
// omitting window-only fields (head, tail, cursorId1, reverse, cutoffTime)
// so that triggers sharing a model but differing only in window MAY share a
// transformer.
func HashKey(req wire.FetchRequest) string {
	var buf []byte
	q := req.Query

	buf = append(buf, q.ParentID...)
	buf = append(buf, q.RootNodeID1...)
	buf = appendInt64(buf, int64(q.Depth))
	buf = appendInt64(buf, q.Limit)
	for _, m := range q.Match {
		buf = append(buf, m.NodeType...)
		for _, f := range m.Filters {
			buf = append(buf, []byte(f.Field)...)
			buf = append(buf, byte(f.Op))
			buf = append(buf, f.Value...)
		}
		buf = appendInt64(buf, m.Limit)
		buf = append(buf, []byte(m.LimitField)...)
	}
	for _, e := range q.Embed {
		buf = append(buf, e.NodeType...)
	}
	buf = appendBool(buf, q.Descending)
	buf = appendBool(buf, q.OrderByStorageTime)
	buf = appendBool(buf, q.IgnoreOwn)
	buf = appendBool(buf, q.IgnoreInactive)
	buf = appendBool(buf, q.DiscardRoot)
	buf = appendBool(buf, q.PreserveTransient)
	buf = appendBool(buf, q.IncludeLicenses)
	buf = append(buf, []byte(q.Region)...)
	buf = append(buf, []byte(q.Jurisdiction)...)
	buf = append(buf, q.TriggerNodeID...)
	buf = appendInt64(buf, q.TriggerInterval)

	if req.Transform != nil {
		for _, a := range req.Transform.Algos {
			buf = append(buf, byte(a))
		}
	}
	buf = append(buf, req.MsgID[:]...)

	h := nodecrypto.Hash(buf)
	return fmt.Sprintf("%x", h)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
