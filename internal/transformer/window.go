package transformer

import (
	"bytes"
	"errors"

	"github.com/openodin/core/internal/wire"
)

// ErrMissingCursor is returned when a requested cursorID1 is not present in
// the view.
var ErrMissingCursor = errors.New("transformer: missing cursor")

// ErrOverflow is returned by Add when the view already holds
// wire.MaxTransformerLength items and the incoming item is not an update to
// one already present.
var ErrOverflow = errors.New("transformer: overflow")

func windowSlice(all [][32]byte, cursorID1 []byte, head, tail int64, reverse bool) ([][32]byte, error) {
	if len(cursorID1) == 0 {
		if head > 0 || (head == 0 && tail == 0) {
			return clampHead(all, head), nil
		}
		return clampTail(all, tail), nil
	}
	idx := -1
	for i, id := range all {
		if bytes.Equal(id[:], cursorID1) {
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
		return clampHead(all[idx+1:], effHead), nil
	case effTail > 0:
		return clampTail(all[:idx], effTail), nil
	default:
		return nil, nil
	}
}

func clampHead(ids [][32]byte, head int64) [][32]byte {
	if head <= 0 || head > wire.MaxTransformerLength {
		head = wire.MaxTransformerLength
	}
	if int64(len(ids)) > head {
		return ids[:head]
	}
	return ids
}

func clampTail(ids [][32]byte, tail int64) [][32]byte {
	if tail <= 0 || tail > wire.MaxTransformerLength {
		tail = wire.MaxTransformerLength
	}
	if int64(len(ids)) > tail {
		return ids[int64(len(ids))-tail:]
	}
	return ids
}
