// Package engine implements the storage engine orchestrator:
// the five request handlers — Store, Fetch, Unsubscribe, WriteBlob, ReadBlob —
// wired on top of the node driver, blob driver, signature offloader and
// subscription scheduler.
//
// Grounded on cmd/explorer/server.go's handler shape: one struct embedding
// the storage backends, one method per request kind, failures surfaced as a
// typed wire.Status rather than a bare error string.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openodin/core/internal/blobstore"
	"github.com/openodin/core/internal/codec"
	"github.com/openodin/core/internal/nodecrypto"
	"github.com/openodin/core/internal/nodedb"
	"github.com/openodin/core/internal/offload"
	"github.com/openodin/core/internal/scheduler"
	"github.com/openodin/core/internal/transformer"
	"github.com/openodin/core/internal/wire"
)

// Engine orchestrates incoming requests: it validates permissions, batches
// signature verification through the offloader, persists via the node and
// blob drivers, and wakes triggers through the scheduler.
type Engine struct {
	Nodes  *nodedb.DB
	Blobs  *blobstore.Store
	Signer *offload.Pool
	Sched  *scheduler.Scheduler

	mu    sync.Mutex
	views map[string]*transformer.Transformer
}

// New wires an Engine from its four backends.
func New(nodes *nodedb.DB, blobs *blobstore.Store, signer *offload.Pool, sched *scheduler.Scheduler) *Engine {
	e := &Engine{
		Nodes:  nodes,
		Blobs:  blobs,
		Signer: signer,
		Sched:  sched,
		views:  map[string]*transformer.Transformer{},
	}
	sched.SetRunner(func(t *scheduler.Trigger) {
		e.runTrigger(context.Background(), t)
	})
	return e
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Store validates, verifies and persists one or more nodes in a single
// transaction, then wakes any trigger whose triggerNodeId matches a stored
// node's parentId.
func (e *Engine) Store(ctx context.Context, req wire.StoreRequest) (wire.StoreReply, error) {
	if len(req.Nodes) > wire.MaxBatchSize {
		return wire.StoreReply{Reply: errReply(wire.StatusMalformed, "store: batch exceeds max batch size")}, nil
	}

	batchID := req.BatchID
	if len(batchID) == 0 {
		generated := uuid.New()
		batchID = generated[:]
	}

	now := nowMillis()
	nodes := make([]*codec.Node, 0, len(req.Nodes))
	for _, raw := range req.Nodes {
		n, err := codec.Decode(raw)
		if err != nil {
			return wire.StoreReply{Reply: errReply(wire.StatusMalformed, err.Error())}, nil
		}
		nodes = append(nodes, n)
	}

	if req.PreserveTransient {
		for _, n := range nodes {
			if !bytes.Equal(n.Owner, req.SourcePublicKey) {
				return wire.StoreReply{Reply: errReply(wire.StatusMalformed,
					"store: preserveTransient requires ownership of every node in the batch")}, nil
			}
		}
	}

	kept := nodes[:0:0]
	for _, n := range nodes {
		if n.CreationTime > now+wire.NowTolerance {
			continue // silently discarded: too far in the future
		}
		kept = append(kept, n)
	}
	nodes = kept
	if len(nodes) == 0 {
		return wire.StoreReply{Reply: wire.Reply{Status: wire.StatusResult}}, nil
	}

	verified, err := e.verifyBatch(ctx, nodes)
	if err != nil {
		return wire.StoreReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
	if !verified {
		owner := nodecrypto.PublicKey{Type: nodecrypto.KeyType(nodes[0].OwnerType), Bytes: nodes[0].Owner}
		logrus.WithField("batchId", batchID).WithField("owner", owner.Fingerprint()).
			Warn("engine: batch rejected on signature verification")
		return wire.StoreReply{Reply: errReply(wire.StatusMalformed,
			"store: one or more nodes failed signature verification; whole batch rejected")}, nil
	}

	result, err := e.Nodes.Store(ctx, nodes, now, req.PreserveTransient)
	if err != nil {
		logrus.WithError(err).WithField("msgId", req.MsgID).WithField("batchId", batchID).Warn("engine: store failed")
		return wire.StoreReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}

	e.wakeTriggers(ctx, result.ParentIDs, req.MuteMsgIDs)

	return wire.StoreReply{
		Reply:        wire.Reply{Status: wire.StatusResult},
		InsertedID1s: result.InsertedID1s,
	}, nil
}

// verifyBatch submits every node's signatures to the offloader as one batch.
// If any node's signatures fail to verify, the whole batch is rejected —
// there is no partial acceptance.
func (e *Engine) verifyBatch(ctx context.Context, nodes []*codec.Node) (bool, error) {
	collections := make([]offload.SignaturesCollection, len(nodes))
	for i, n := range nodes {
		digest, err := n.DeriveID1()
		if err != nil {
			return false, fmt.Errorf("engine: digest node: %w", err)
		}
		pubs := make([]nodecrypto.PublicKey, len(n.Signatures))
		sigs := make([][]byte, len(n.Signatures))
		for j, s := range n.Signatures {
			pubs[j] = nodecrypto.PublicKey{Type: nodecrypto.KeyType(s.PublicKeyType), Bytes: s.PublicKey}
			sigs[j] = s.Signature
		}
		collections[i] = offload.SignaturesCollection{Index: i, Message: digest[:], PublicKeys: pubs, Signatures: sigs}
	}
	verified, err := e.Signer.VerifyBatch(ctx, collections)
	if err != nil {
		return false, fmt.Errorf("engine: verify batch: %w", err)
	}
	return len(verified) == len(nodes), nil
}

func (e *Engine) wakeTriggers(ctx context.Context, parentIDs [][32]byte, muteMsgIDs [][4]byte) {
	seen := map[[32]byte]bool{}
	for _, pid := range parentIDs {
		if seen[pid] {
			continue
		}
		seen[pid] = true
		e.Sched.FireInsert(pid, muteMsgIDs, func(t *scheduler.Trigger) {
			e.runTrigger(ctx, t)
		})
	}
}

// Fetch validates permissions, streams the node driver's query result back
// through send, building or reusing a Transformer when the request asks for
// one, and registers a Trigger when the query sets AllowTrigger and names
// either a trigger node or a trigger interval.
func (e *Engine) Fetch(ctx context.Context, req wire.FetchRequest, source, target []byte, send func(wire.FetchResponse) error) error {
	now := nowMillis()

	var view *transformer.Transformer
	if req.Transform != nil && len(req.Transform.Algos) > 0 {
		v, err := e.viewFor(req)
		if err != nil {
			return send(wire.FetchResponse{Reply: errReply(wire.StatusError, err.Error()), MsgID: req.MsgID, IsFirst: true, IsLast: true, Now: now})
		}
		view = v
	}

	var collected []*codec.Node
	_, err := e.Nodes.Fetch(ctx, req.Query, now, source, target, func(nodes []*codec.Node) error {
		collected = append(collected, nodes...)
		return nil
	})
	if errors.Is(err, nodedb.ErrMissingCursor) {
		return send(wire.FetchResponse{Reply: errReply(wire.StatusMissingCursor, err.Error()), MsgID: req.MsgID, IsFirst: true, IsLast: true, Now: now})
	}
	if err != nil {
		return send(wire.FetchResponse{Reply: errReply(wire.StatusError, err.Error()), MsgID: req.MsgID, IsFirst: true, IsLast: true, Now: now})
	}

	encoded, delta, err := e.encodeAndEmit(view, collected, req.Query)
	if err != nil {
		return send(wire.FetchResponse{Reply: errReply(wire.StatusError, err.Error()), MsgID: req.MsgID, IsFirst: true, IsLast: true, Now: now})
	}

	for _, chunk := range wire.ChunkReplies(req.MsgID, encoded, nil, delta, now) {
		if err := send(chunk); err != nil {
			return err
		}
	}

	if req.Query.AllowTrigger && (len(req.Query.TriggerNodeID) == 32 || req.Query.TriggerInterval > 0) {
		var triggerNode [32]byte
		copy(triggerNode[:], req.Query.TriggerNodeID)
		t := e.Sched.Register(scheduler.HashKey(req), req.MsgID, req, view, send, triggerNode)
		t.TriggerInterval = req.Query.TriggerInterval
		t.Source = source
		t.Target = target
		t.Uncork(func(*scheduler.Trigger) {})
	}
	return nil
}

// viewFor returns the Transformer for req's model, creating one if this is
// the first fetch sharing that model.
func (e *Engine) viewFor(req wire.FetchRequest) (*transformer.Transformer, error) {
	key := scheduler.HashKey(req)
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[key]; ok {
		return v, nil
	}
	algo := transformer.AlgoSorted
	if len(req.Transform.Algos) > 0 && req.Transform.Algos[0] == wire.AlgoRefID {
		algo = transformer.AlgoRefID
	}
	v, err := transformer.New(algo, req.Query.OrderByStorageTime)
	if err != nil {
		return nil, err
	}
	e.views[key] = v
	return v, nil
}

func (e *Engine) encodeAndEmit(view *transformer.Transformer, nodes []*codec.Node, q wire.FetchQuery) ([][]byte, []byte, error) {
	encoded := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		b, err := codec.Encode(n)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: encode node: %w", err)
		}
		encoded = append(encoded, b)
	}
	if view == nil {
		return encoded, nil, nil
	}
	for _, n := range nodes {
		if err := view.Add(transformer.Item{
			ID1:           n.ID1,
			CreationTime:  n.CreationTime,
			StorageTime:   n.Transient.StorageTime,
			TransientHash: n.TransientHash(),
			RefID:         n.ID2,
		}); err != nil {
			return nil, nil, fmt.Errorf("engine: add to transformer view: %w", err)
		}
	}
	emission, err := view.Emit(q.CursorID1, q.Head, q.Tail, q.Reverse)
	if err != nil {
		return nil, nil, err
	}
	return encoded, emission.Delta, nil
}

// runTrigger re-runs a trigger's original fetch and streams the result back
// through its SendResponse. A re-query error closes the
// trigger after delivering one ERROR chunk.
func (e *Engine) runTrigger(ctx context.Context, t *scheduler.Trigger) {
	now := nowMillis()
	var collected []*codec.Node
	_, err := e.Nodes.Fetch(ctx, t.FetchRequest.Query, now, t.Source, t.Target, func(nodes []*codec.Node) error {
		collected = append(collected, nodes...)
		return nil
	})
	if err != nil {
		logrus.WithError(err).WithField("msgId", t.MsgID).Warn("engine: trigger re-fetch failed, closing")
		t.SendResponse(wire.FetchResponse{Reply: errReply(wire.StatusError, err.Error()), MsgID: t.MsgID, IsFirst: true, IsLast: true, Now: now})
		t.Close()
		return
	}

	encoded, delta, err := e.encodeAndEmit(t.View, collected, t.FetchRequest.Query)
	if err != nil {
		logrus.WithError(err).WithField("msgId", t.MsgID).Warn("engine: trigger emission failed, closing")
		t.SendResponse(wire.FetchResponse{Reply: errReply(wire.StatusError, err.Error()), MsgID: t.MsgID, IsFirst: true, IsLast: true, Now: now})
		t.Close()
		return
	}

	for _, chunk := range wire.ChunkReplies(t.MsgID, encoded, nil, delta, now) {
		if err := t.SendResponse(chunk); err != nil {
			return
		}
	}
}

// Unsubscribe closes every trigger registered under req's original msgId.
// Idempotent: closing an already-closed or never-registered trigger is not
// an error.
func (e *Engine) Unsubscribe(req wire.UnsubscribeRequest) wire.Reply {
	e.Sched.UnsubscribeByMsgID(req.OriginalMsgID)
	return wire.Reply{Status: wire.StatusResult}
}

// WriteBlob appends a fragment to a blob-bearing node's intermediary buffer,
// finalising once the continuous prefix reaches the node's declared
// blobLength.
func (e *Engine) WriteBlob(ctx context.Context, req wire.WriteBlobRequest) (wire.WriteBlobReply, error) {
	now := nowMillis()
	var nodeID1 [32]byte
	copy(nodeID1[:], req.NodeID1)

	n, err := e.Nodes.GetNodeByID1(ctx, nodeID1, now)
	if err != nil {
		return wire.WriteBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
	if n == nil {
		return wire.WriteBlobReply{Reply: errReply(wire.StatusNotAllowed, "write-blob: node does not exist")}, nil
	}
	if n.BlobLength == 0 {
		return wire.WriteBlobReply{Reply: errReply(wire.StatusMalformed, "write-blob: node is not blob-configured")}, nil
	}
	allowed, err := e.Nodes.CanRead(ctx, n, req.TargetPublicKey)
	if err != nil {
		return wire.WriteBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
	if !allowed {
		return wire.WriteBlobReply{Reply: errReply(wire.StatusNotAllowed, "write-blob: not permitted")}, nil
	}

	dataID := blobstore.DataID(nodeID1, req.SourcePublicKey)
	length, err := e.Blobs.WriteBlob(ctx, dataID, req.Pos, req.Data, now)
	if err != nil {
		return wire.WriteBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}

	if length < n.BlobLength {
		return wire.WriteBlobReply{Reply: wire.Reply{Status: wire.StatusResult}, CurrentLength: length}, nil
	}

	switch err := e.Blobs.FinalizeWriteBlob(ctx, nodeID1, dataID, n.BlobLength, n.BlobHash, now); {
	case err == nil:
		if err := e.Nodes.BumpBlobNode(ctx, nodeID1, now); err != nil {
			return wire.WriteBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
		}
		return wire.WriteBlobReply{Reply: wire.Reply{Status: wire.StatusResult}, CurrentLength: length}, nil
	case errors.Is(err, blobstore.ErrExists):
		return wire.WriteBlobReply{Reply: wire.Reply{Status: wire.StatusExists}, CurrentLength: length}, nil
	case errors.Is(err, blobstore.ErrMismatch):
		return wire.WriteBlobReply{Reply: wire.Reply{Status: wire.StatusMismatch}, CurrentLength: length}, nil
	default:
		return wire.WriteBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
}

// ReadBlob returns up to MaxReadBlobLength bytes from a finalised blob. A
// blob that has not yet been finalised reads as NOT_ALLOWED rather than
// ERROR, since no caller-visible data exists to read yet.
func (e *Engine) ReadBlob(ctx context.Context, req wire.ReadBlobRequest) (wire.ReadBlobReply, error) {
	now := nowMillis()
	var nodeID1 [32]byte
	copy(nodeID1[:], req.NodeID1)

	n, err := e.Nodes.GetNodeByID1(ctx, nodeID1, now)
	if err != nil {
		return wire.ReadBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
	if n == nil {
		return wire.ReadBlobReply{Reply: errReply(wire.StatusNotAllowed, "read-blob: node does not exist")}, nil
	}
	allowed, err := e.Nodes.CanRead(ctx, n, req.TargetPublicKey)
	if err != nil {
		return wire.ReadBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
	if !allowed {
		return wire.ReadBlobReply{Reply: errReply(wire.StatusNotAllowed, "read-blob: not permitted")}, nil
	}

	length := req.Length
	if length > wire.MaxReadBlobLength {
		length = wire.MaxReadBlobLength
	}
	data, err := e.Blobs.ReadBlob(ctx, nodeID1, req.Pos, length)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFinalized) {
			return wire.ReadBlobReply{Reply: errReply(wire.StatusNotAllowed, "read-blob: not yet finalised")}, nil
		}
		return wire.ReadBlobReply{Reply: errReply(wire.StatusError, err.Error())}, nil
	}
	return wire.ReadBlobReply{Reply: wire.Reply{Status: wire.StatusResult}, Data: data}, nil
}
