package engine

import (
	"context"
	"testing"
	"time"

	"github.com/openodin/core/internal/blobstore"
	"github.com/openodin/core/internal/codec"
	"github.com/openodin/core/internal/nodecrypto"
	"github.com/openodin/core/internal/nodedb"
	"github.com/openodin/core/internal/offload"
	"github.com/openodin/core/internal/scheduler"
	"github.com/openodin/core/internal/wire"
)

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	nodes, err := nodedb.Open(":memory:")
	if err != nil {
		t.Fatalf("open nodedb: %v", err)
	}
	t.Cleanup(func() { nodes.Close() })

	blobs, err := blobstore.OpenWithDB(nodes.SQL())
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}

	pool := offload.New(2)
	t.Cleanup(pool.Close)

	sched := scheduler.New(time.Hour)
	t.Cleanup(sched.Close)

	return New(nodes, blobs, pool, sched)
}

func mustKeyPair(t *testing.T) nodecrypto.KeyPair {
	t.Helper()
	kp, err := nodecrypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func mustEncodedNode(t *testing.T, kp nodecrypto.KeyPair, parent [32]byte, creationTime, expireTime int64, contentType string) []byte {
	t.Helper()
	n := &codec.Node{
		ParentID:     parent,
		Owner:        kp.Public.Bytes,
		OwnerType:    uint8(kp.Public.Type),
		CreationTime: creationTime,
		ExpireTime:   expireTime,
		ContentType:  []byte(contentType),
	}
	if err := n.Sign(kp, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := codec.Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

// S1 — store through the engine, then fetch it back.
func TestEngineStoreAndFetch(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	kp := mustKeyPair(t)
	e.Signer.AddKeyPair(kp)

	var root [32]byte
	raw := mustEncodedNode(t, kp, root, 1000, 11000, "DATA")

	storeReply, err := e.Store(ctx, wire.StoreRequest{
		MsgID:           [4]byte{1},
		Nodes:           [][]byte{raw},
		SourcePublicKey: kp.Public.Bytes,
		TargetPublicKey: kp.Public.Bytes,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if storeReply.Status != wire.StatusResult {
		t.Fatalf("expected RESULT, got %v (%s)", storeReply.Status, storeReply.Error)
	}
	if len(storeReply.InsertedID1s) != 1 {
		t.Fatalf("expected 1 inserted id1, got %d", len(storeReply.InsertedID1s))
	}

	var chunks []wire.FetchResponse
	err = e.Fetch(ctx, wire.FetchRequest{
		MsgID: [4]byte{2},
		Query: wire.FetchQuery{ParentID: root[:], Depth: 0, Match: []wire.Match{{NodeType: []byte("DATA")}}},
	}, kp.Public.Bytes, kp.Public.Bytes, func(fr wire.FetchResponse) error {
		chunks = append(chunks, fr)
		return nil
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Status != wire.StatusResult || len(chunks[0].Nodes) != 1 {
		t.Fatalf("expected one chunk with one node, got %+v", chunks)
	}
}

// reject a batch with a corrupted signature: whole-batch failure.
func TestEngineStoreRejectsBadSignature(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	kp := mustKeyPair(t)
	e.Signer.AddKeyPair(kp)

	var root [32]byte
	n := &codec.Node{
		ParentID:     root,
		Owner:        kp.Public.Bytes,
		OwnerType:    uint8(kp.Public.Type),
		CreationTime: 1000,
		ContentType:  []byte("DATA"),
	}
	if err := n.Sign(kp, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign: %v", err)
	}
	n.Signatures[0].Signature[0] ^= 0xFF // corrupt the signature bytes
	raw, err := codec.Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	reply, err := e.Store(ctx, wire.StoreRequest{MsgID: [4]byte{1}, Nodes: [][]byte{raw}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if reply.Status != wire.StatusMalformed {
		t.Fatalf("expected MALFORMED for a corrupted signature, got %v", reply.Status)
	}
}

// S3 — a trigger fires on a matching insert.
func TestEngineTriggerFiresOnInsert(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	kp := mustKeyPair(t)
	e.Signer.AddKeyPair(kp)

	var root [32]byte
	got := make(chan wire.FetchResponse, 4)

	err := e.Fetch(ctx, wire.FetchRequest{
		MsgID: [4]byte{9},
		Query: wire.FetchQuery{
			ParentID:        root[:],
			Depth:           0,
			TriggerNodeID:   root[:],
			TriggerInterval: 0,
			AllowTrigger:    true,
		},
	}, kp.Public.Bytes, kp.Public.Bytes, func(fr wire.FetchResponse) error {
		got <- fr
		return nil
	})
	if err != nil {
		t.Fatalf("seed fetch: %v", err)
	}
	<-got // drain the seed reply

	raw := mustEncodedNode(t, kp, root, 1000, 0, "DATA")
	if _, err := e.Store(ctx, wire.StoreRequest{
		MsgID: [4]byte{10},
		Nodes: [][]byte{raw},
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	select {
	case fr := <-got:
		if fr.MsgID != [4]byte{9} {
			t.Fatalf("expected trigger reply tagged with original msgId, got %v", fr.MsgID)
		}
		if len(fr.Nodes) != 1 {
			t.Fatalf("expected 1 node in trigger reply, got %d", len(fr.Nodes))
		}
	case <-time.After(time.Second):
		t.Fatal("trigger did not fire within 1s of a matching insert")
	}
}

func TestEngineUnsubscribeStopsTrigger(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	kp := mustKeyPair(t)
	e.Signer.AddKeyPair(kp)

	var root [32]byte
	got := make(chan wire.FetchResponse, 4)
	err := e.Fetch(ctx, wire.FetchRequest{
		MsgID: [4]byte{1},
		Query: wire.FetchQuery{ParentID: root[:], Depth: 0, TriggerNodeID: root[:], AllowTrigger: true},
	}, kp.Public.Bytes, kp.Public.Bytes, func(fr wire.FetchResponse) error { got <- fr; return nil })
	if err != nil {
		t.Fatalf("seed fetch: %v", err)
	}
	<-got

	e.Unsubscribe(wire.UnsubscribeRequest{MsgID: [4]byte{2}, OriginalMsgID: [4]byte{1}})

	raw := mustEncodedNode(t, kp, root, 1000, 0, "DATA")
	if _, err := e.Store(ctx, wire.StoreRequest{MsgID: [4]byte{3}, Nodes: [][]byte{raw}}); err != nil {
		t.Fatalf("store: %v", err)
	}

	select {
	case fr := <-got:
		t.Fatalf("expected no trigger delivery after unsubscribe, got %+v", fr)
	case <-time.After(100 * time.Millisecond):
	}
}

// S4 — write-blob through finalisation, then read it back.
func TestEngineWriteAndReadBlob(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	kp := mustKeyPair(t)
	e.Signer.AddKeyPair(kp)

	payload := []byte("hello world")
	var root [32]byte
	n := &codec.Node{
		ParentID:     root,
		Owner:        kp.Public.Bytes,
		OwnerType:    uint8(kp.Public.Type),
		CreationTime: 1000,
		ContentType:  []byte("BLOB"),
		BlobHash:     nodecrypto.Hash(payload),
		BlobLength:   uint64(len(payload)),
	}
	if err := n.Sign(kp, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := codec.Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	storeReply, err := e.Store(ctx, wire.StoreRequest{MsgID: [4]byte{1}, Nodes: [][]byte{raw}})
	if err != nil || storeReply.Status != wire.StatusResult {
		t.Fatalf("store: %v %+v", err, storeReply)
	}
	nodeID1 := storeReply.InsertedID1s[0]

	writeReply, err := e.WriteBlob(ctx, wire.WriteBlobRequest{
		MsgID:           [4]byte{2},
		NodeID1:         nodeID1[:],
		Data:            payload,
		Pos:             0,
		SourcePublicKey: kp.Public.Bytes,
		TargetPublicKey: kp.Public.Bytes,
	})
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if writeReply.Status != wire.StatusResult {
		t.Fatalf("expected RESULT after finalising write, got %v (%s)", writeReply.Status, writeReply.Error)
	}

	readReply, err := e.ReadBlob(ctx, wire.ReadBlobRequest{
		MsgID:           [4]byte{3},
		NodeID1:         nodeID1[:],
		Pos:             0,
		Length:          uint64(len(payload)),
		TargetPublicKey: kp.Public.Bytes,
	})
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if readReply.Status != wire.StatusResult || string(readReply.Data) != string(payload) {
		t.Fatalf("expected payload back, got %v %q", readReply.Status, readReply.Data)
	}

	// idempotent re-finalise via a duplicate write of the same final fragment.
	again, err := e.WriteBlob(ctx, wire.WriteBlobRequest{
		MsgID: [4]byte{4}, NodeID1: nodeID1[:], Data: payload, Pos: 0,
		SourcePublicKey: kp.Public.Bytes, TargetPublicKey: kp.Public.Bytes,
	})
	if err != nil {
		t.Fatalf("re-write blob: %v", err)
	}
	if again.Status != wire.StatusExists {
		t.Fatalf("expected EXISTS on repeat finalise, got %v", again.Status)
	}
}

func TestEngineReadBlobNotAllowedBeforeFinalise(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	kp := mustKeyPair(t)
	e.Signer.AddKeyPair(kp)

	payload := []byte("not yet complete")
	var root [32]byte
	n := &codec.Node{
		ParentID:     root,
		Owner:        kp.Public.Bytes,
		OwnerType:    uint8(kp.Public.Type),
		CreationTime: 1000,
		ContentType:  []byte("BLOB"),
		BlobHash:     nodecrypto.Hash(payload),
		BlobLength:   uint64(len(payload)),
	}
	if err := n.Sign(kp, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := codec.Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	storeReply, err := e.Store(ctx, wire.StoreRequest{MsgID: [4]byte{1}, Nodes: [][]byte{raw}})
	if err != nil || storeReply.Status != wire.StatusResult {
		t.Fatalf("store: %v %+v", err, storeReply)
	}
	nodeID1 := storeReply.InsertedID1s[0]

	// write only a prefix, never reaching blobLength: finalise never runs.
	if _, err := e.WriteBlob(ctx, wire.WriteBlobRequest{
		MsgID: [4]byte{2}, NodeID1: nodeID1[:], Data: payload[:4], Pos: 0,
		SourcePublicKey: kp.Public.Bytes, TargetPublicKey: kp.Public.Bytes,
	}); err != nil {
		t.Fatalf("write blob: %v", err)
	}

	readReply, err := e.ReadBlob(ctx, wire.ReadBlobRequest{
		MsgID: [4]byte{3}, NodeID1: nodeID1[:], Length: uint64(len(payload)), TargetPublicKey: kp.Public.Bytes,
	})
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if readReply.Status != wire.StatusNotAllowed {
		t.Fatalf("expected NOT_ALLOWED before finalise, got %v", readReply.Status)
	}
}
