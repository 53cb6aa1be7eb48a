package nodedb

import (
	"context"
	"testing"

	"github.com/openodin/core/internal/codec"
	"github.com/openodin/core/internal/nodecrypto"
	"github.com/openodin/core/internal/wire"
)

func mustOpen(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustKeyPair(t *testing.T) nodecrypto.KeyPair {
	t.Helper()
	kp, err := nodecrypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func mustSignedNode(t *testing.T, kp nodecrypto.KeyPair, parent [32]byte, creationTime, expireTime int64, contentType string) *codec.Node {
	t.Helper()
	return mustSignedNodeWithID2(t, kp, parent, [32]byte{}, creationTime, expireTime, contentType)
}

func mustSignedNodeWithID2(t *testing.T, kp nodecrypto.KeyPair, parent, id2 [32]byte, creationTime, expireTime int64, contentType string) *codec.Node {
	t.Helper()
	n := &codec.Node{
		ParentID:     parent,
		ID2:          id2,
		Owner:        kp.Public.Bytes,
		OwnerType:    uint8(kp.Public.Type),
		CreationTime: creationTime,
		ExpireTime:   expireTime,
		ContentType:  []byte(contentType),
	}
	if err := n.Sign(kp, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign: %v", err)
	}
	id1, err := n.DeriveID1()
	if err != nil {
		t.Fatalf("derive id1: %v", err)
	}
	n.ID1 = id1
	return n
}

func collectFetch(t *testing.T, db *DB, q wire.FetchQuery, now int64, source, target []byte) []*codec.Node {
	t.Helper()
	var got []*codec.Node
	_, err := db.Fetch(context.Background(), q, now, source, target, func(nodes []*codec.Node) error {
		got = append(got, nodes...)
		return nil
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return got
}

// S1 — basic store and fetch.
func TestStoreAndFetchBasic(t *testing.T) {
	db := mustOpen(t)
	ctx := context.Background()
	kp := mustKeyPair(t)

	var root [32]byte
	a := mustSignedNode(t, kp, root, 1000, 11000, "DATA")

	if _, err := db.Store(ctx, []*codec.Node{a}, 1000, false); err != nil {
		t.Fatalf("store: %v", err)
	}

	got := collectFetch(t, db, wire.FetchQuery{
		ParentID: root[:],
		Depth:    0,
		Match:    []wire.Match{{NodeType: []byte("DATA")}},
	}, 1000, kp.Public.Bytes, kp.Public.Bytes)

	if len(got) != 1 {
		t.Fatalf("expected 1 node, got %d", len(got))
	}
	if got[0].ID1 != a.ID1 {
		t.Fatalf("expected id1 %x, got %x", a.ID1, got[0].ID1)
	}
}

// S2 — online-id variants.
func TestOnlineIDVariants(t *testing.T) {
	db := mustOpen(t)
	ctx := context.Background()
	kp := mustKeyPair(t)

	var root [32]byte
	var id2 [32]byte
	id2[0] = 0xAA

	a1 := mustSignedNodeWithID2(t, kp, root, id2, 1000, 0, "DATA")
	a1.Transient.IsOnlineIDValidated = true

	a2 := mustSignedNodeWithID2(t, kp, root, id2, 2000, 0, "DATA")
	a2.Transient.IsOnlineIDValidated = false

	if _, err := db.Store(ctx, []*codec.Node{a1, a2}, 1000, false); err != nil {
		t.Fatalf("store: %v", err)
	}

	got := collectFetch(t, db, wire.FetchQuery{
		ParentID:       root[:],
		Depth:          0,
		IgnoreInactive: true,
	}, 3000, kp.Public.Bytes, kp.Public.Bytes)
	if len(got) != 0 {
		t.Fatalf("expected no active variants without transient validation recorded, got %d", len(got))
	}

	// re-store a1 with preserveTransient=true; its Transient.IsOnlineIDValidated
	// is already true on the node passed to Store, so the stored transienthash
	// and validated column now reflect it.
	if _, err := db.Store(ctx, []*codec.Node{a1}, 1000, true); err != nil {
		t.Fatalf("re-store: %v", err)
	}

	got = collectFetch(t, db, wire.FetchQuery{
		ParentID:       root[:],
		Depth:          0,
		IgnoreInactive: true,
	}, 3000, kp.Public.Bytes, kp.Public.Bytes)
	if len(got) != 1 || got[0].ID1 != a1.ID1 {
		t.Fatalf("expected only a1 to be active, got %d nodes", len(got))
	}
}

// S6 — unauthorised read elision.
func TestUnauthorisedReadElision(t *testing.T) {
	db := mustOpen(t)
	ctx := context.Background()
	k1 := mustKeyPair(t)
	k2 := mustKeyPair(t)

	var root [32]byte
	license := &codec.Node{
		ParentID:     root,
		Owner:        k1.Public.Bytes,
		OwnerType:    uint8(k1.Public.Type),
		CreationTime: 1000,
		ContentType:  []byte("DATA"),
		IsLicensed:   true,
	}
	if err := license.Sign(k1, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign licensed node: %v", err)
	}
	licenseID1, err := license.DeriveID1()
	if err != nil {
		t.Fatalf("derive licensed node id1: %v", err)
	}
	license.ID1 = licenseID1

	if _, err := db.Store(ctx, []*codec.Node{license}, 1000, false); err != nil {
		t.Fatalf("store: %v", err)
	}

	got := collectFetch(t, db, wire.FetchQuery{
		ParentID: root[:],
		Depth:    0,
	}, 1000, k2.Public.Bytes, k2.Public.Bytes)
	if len(got) != 0 {
		t.Fatalf("expected empty result for unauthorised peer, got %d", len(got))
	}

	lic := &codec.Node{
		ParentID:     root,
		ID2:          license.ID1, // refId convention: the licensed node is stored in ID2
		Owner:        k1.Public.Bytes,
		OwnerType:    uint8(k1.Public.Type),
		CreationTime: 1100,
		ContentType:  []byte("LICENSE"),
		Data:         k2.Public.Bytes,
		IsLicensed:   true,
	}
	if err := lic.Sign(k1, codec.CertTypeOwner); err != nil {
		t.Fatalf("sign license: %v", err)
	}
	id1, err := lic.DeriveID1()
	if err != nil {
		t.Fatalf("derive license id1: %v", err)
	}
	lic.ID1 = id1

	if _, err := db.Store(ctx, []*codec.Node{lic}, 1100, false); err != nil {
		t.Fatalf("store license: %v", err)
	}

	got = collectFetch(t, db, wire.FetchQuery{
		ParentID: root[:],
		Depth:    0,
	}, 1200, k2.Public.Bytes, k2.Public.Bytes)

	found := false
	for _, n := range got {
		if n.ID1 == license.ID1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected licensed node to become visible to k2 after license was stored")
	}
}
