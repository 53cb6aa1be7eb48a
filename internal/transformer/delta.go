package transformer

import (
	"encoding/hex"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// deltaTypeFossil tags the delta buffer's leading byte; future formats would
// use other tag values.
const deltaTypeFossil = 0

func idListText(ids [][32]byte) string {
	hexes := make([]string, len(ids))
	for i, id := range ids {
		hexes[i] = hex.EncodeToString(id[:])
	}
	return strings.Join(hexes, " ")
}

// computeDelta produces a delta between the space-joined hex id sequences of
// prev and cur, framed with a single leading type byte (deltaTypeFossil).
// The body after that byte is go-diff's diff-match-patch delta text
// (DiffToDelta), not the Fossil delta encoding.
func computeDelta(prev, cur [][32]byte) []byte {
	dmp := diffmatchpatch.New()
	prevText := idListText(prev)
	curText := idListText(cur)
	diffs := dmp.DiffMain(prevText, curText, false)
	delta := dmp.DiffToDelta(diffs)

	out := make([]byte, 1+len(delta))
	out[0] = deltaTypeFossil
	copy(out[1:], delta)
	return out
}
