// Package wire defines the request/response surface: the shapes this core
// consumes from (and produces to) the outer peer layer. Transport framing,
// handshake and peer authentication are out of scope; this package only
// defines the typed request/response values and the binary chunk framing
// these handlers produce.
package wire

// MatchOp is the filter comparison enum used by FetchQuery.Match.
type MatchOp uint8

const (
	OpEQ MatchOp = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

// Filter is one field comparison within a Match.
type Filter struct {
	Field string
	Op    MatchOp
	Value []byte // bytes/string/number are all carried as opaque bytes; the
	// node driver interprets them against the named field's Go type.
}

// Match is one disjunct of the query's match[].
type Match struct {
	NodeType   []byte
	Filters    []Filter
	Limit      int64 // -1 = unbounded
	LimitField string
	Level      int
	ID         []byte
	RequireID  bool
	Discard    bool
	Bottom     bool
	CursorID1  []byte
}

// Embed is one embed[] rule: nodes matching NodeType/Filters have their
// referenced node fetched and attached to the reply.
type Embed struct {
	NodeType []byte
	Filters  []Filter
}

// FetchQuery is the query portion of a FetchRequest.
type FetchQuery struct {
	ParentID           []byte
	RootNodeID1        []byte
	Depth              int
	Limit              int64
	Match              []Match
	Embed              []Embed
	Descending         bool
	OrderByStorageTime bool
	IgnoreOwn          bool
	IgnoreInactive     bool
	DiscardRoot        bool
	PreserveTransient  bool
	IncludeLicenses    bool
	Region             string
	Jurisdiction       string
	CutoffTime         int64

	// Cursor window. Exactly one of Head/Tail is non-zero; Reverse swaps
	// their roles.
	CursorID1 []byte
	Head      int64
	Tail      int64
	Reverse   bool

	// Subscription controls.
	TriggerNodeID   []byte
	TriggerInterval int64
	AllowTrigger    bool
}

// TransformAlgo names one of the two transformer algorithms.
type TransformAlgo uint8

const (
	AlgoNone TransformAlgo = iota
	AlgoSorted
	AlgoRefID
)

// FetchTransform requests a live, ordered view over the query's result.
type FetchTransform struct {
	Algos []TransformAlgo
}

// FetchRequest is the top-level fetch message.
type FetchRequest struct {
	MsgID     [4]byte
	Query     FetchQuery
	Transform *FetchTransform
}

// StoreRequest carries one or more encoded nodes to persist.
type StoreRequest struct {
	MsgID             [4]byte
	Nodes             [][]byte
	SourcePublicKey   []byte
	TargetPublicKey   []byte
	MuteMsgIDs        [][4]byte
	PreserveTransient bool
	BatchID           []byte
	HasMore           bool
}

// UnsubscribeRequest closes a previously registered trigger.
type UnsubscribeRequest struct {
	MsgID           [4]byte
	OriginalMsgID   [4]byte
	TargetPublicKey []byte
}

// WriteBlobRequest appends a fragment to a blob-bearing node.
type WriteBlobRequest struct {
	MsgID           [4]byte
	NodeID1         []byte
	Data            []byte
	Pos             uint64
	CopyFromID1     []byte
	SourcePublicKey []byte
	TargetPublicKey []byte
	MuteMsgIDs      [][4]byte
}

// ReadBlobRequest reads finalised blob bytes.
type ReadBlobRequest struct {
	MsgID           [4]byte
	NodeID1         []byte
	Pos             uint64
	Length          uint64
	SourcePublicKey []byte
	TargetPublicKey []byte
}

// GenericMessageRequest is an opaque pass-through request.
type GenericMessageRequest struct {
	MsgID  [4]byte
	Action string
	Data   []byte
}
