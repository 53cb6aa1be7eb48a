package wire

import "encoding/binary"

// Protocol-wide size and timing limits.
const (
	NowTolerance         = 60_000
	MaxReadBlobLength    = 1 << 20 // 1 MiB
	MaxBatchSize         = 100
	MaxQueryLevelLimit   = 100_000
	MaxQueryRowsLimit    = 1_000_000
	BlobFragmentSize     = 32 * 1024
	MaxTransformerLength = 100_000
	MsgIDLength          = 4
	MessageSplitBytes    = 64 * 1024
)

// FrameHeader is the fixed prefix of every binary message:
// a 1-byte version, a 4-byte little-endian length, a routed target and a
// message id. Route is either a 3-byte route tag or a 32-byte reply id,
// distinguished by RouteIsMsgID.
type FrameHeader struct {
	Version      uint8
	Length       uint32
	RouteTag     [3]byte
	RouteIsMsgID bool
	ReplyTo      [32]byte
	MsgID        [4]byte
}

// EncodeHeader writes the frame header prefix. Only the route
// variant actually in use is written: RouteTag when !RouteIsMsgID, ReplyTo
// otherwise, so the encoded size differs by variant.
func EncodeHeader(h FrameHeader) []byte {
	var route []byte
	if h.RouteIsMsgID {
		route = h.ReplyTo[:]
	} else {
		route = h.RouteTag[:]
	}
	out := make([]byte, 1+4+len(route)+MsgIDLength)
	out[0] = h.Version
	binary.LittleEndian.PutUint32(out[1:5], h.Length)
	copy(out[5:5+len(route)], route)
	copy(out[5+len(route):], h.MsgID[:])
	return out
}

// ChunkReplies splits nodes/embed payload bytes into ordered FetchResponse
// chunks once the full reply would exceed MessageSplitBytes: chunks share
// one msgId, each carries seq/endSeq, and ancillary arrays (embed, delta)
// appear only on the last chunk.
func ChunkReplies(msgID [4]byte, nodes [][]byte, embed [][]byte, delta []byte, now int64) []FetchResponse {
	if len(nodes) == 0 {
		return []FetchResponse{{
			Reply:   Reply{Status: StatusResult},
			MsgID:   msgID,
			Embed:   embed,
			Delta:   delta,
			IsFirst: true,
			IsLast:  true,
			Now:     now,
			Seq:     0,
			EndSeq:  0,
		}}
	}

	var chunks [][][]byte
	var cur [][]byte
	curSize := 0
	for _, n := range nodes {
		if curSize+len(n) > MessageSplitBytes && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, n)
		curSize += len(n)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}

	endSeq := uint32(len(chunks) - 1)
	out := make([]FetchResponse, 0, len(chunks))
	for i, c := range chunks {
		fr := FetchResponse{
			Reply:    Reply{Status: StatusResult},
			MsgID:    msgID,
			Nodes:    c,
			RowCount: int64(len(c)),
			IsFirst:  i == 0,
			IsLast:   uint32(i) == endSeq,
			Now:      now,
			Seq:      uint32(i),
			EndSeq:   endSeq,
		}
		if uint32(i) == endSeq {
			fr.Embed = embed
			fr.Delta = delta
		}
		out = append(out, fr)
	}
	return out
}
