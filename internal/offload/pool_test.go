package offload

import (
	"context"
	"testing"

	"github.com/openodin/core/internal/nodecrypto"
)

func TestSignBatchThenVerifyBatch(t *testing.T) {
	pool := New(3)
	defer pool.Close()

	kp1, err := nodecrypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	kp2, err := nodecrypto.NewSecp256k1KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pool.AddKeyPair(kp1)
	pool.AddKeyPair(kp2)

	items := []ToBeSigned{
		{Index: 0, Message: []byte("m0"), PublicKey: kp1.Public},
		{Index: 1, Message: []byte("m1"), PublicKey: kp2.Public},
		{Index: 2, Message: []byte("m2"), PublicKey: kp1.Public},
	}
	results, err := pool.SignBatch(context.Background(), items)
	if err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 signed results, got %d", len(results))
	}

	byIndex := map[int][]byte{}
	for _, r := range results {
		byIndex[r.Index] = r.Signature
	}

	collections := []SignaturesCollection{
		{Index: 0, Message: items[0].Message, PublicKeys: []nodecrypto.PublicKey{kp1.Public}, Signatures: [][]byte{byIndex[0]}},
		{Index: 1, Message: items[1].Message, PublicKeys: []nodecrypto.PublicKey{kp2.Public}, Signatures: [][]byte{byIndex[1]}},
		{Index: 2, Message: items[2].Message, PublicKeys: []nodecrypto.PublicKey{kp1.Public}, Signatures: [][]byte{[]byte("garbage")}},
	}
	verified, err := pool.VerifyBatch(context.Background(), collections)
	if err != nil {
		t.Fatalf("verify batch: %v", err)
	}
	set := map[int]bool{}
	for _, idx := range verified {
		set[idx] = true
	}
	if !set[0] || !set[1] {
		t.Fatalf("expected indexes 0 and 1 to verify, got %v", verified)
	}
	if set[2] {
		t.Fatalf("expected index 2 (tampered signature) to fail verification")
	}
}

func TestSignBatchFailsWholeBatchOnMissingKey(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	kp, err := nodecrypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pool.AddKeyPair(kp)

	unknown, err := nodecrypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	items := []ToBeSigned{
		{Index: 0, Message: []byte("ok"), PublicKey: kp.Public},
		{Index: 1, Message: []byte("bad"), PublicKey: unknown.Public},
	}
	results, err := pool.SignBatch(context.Background(), items)
	if err != nil {
		t.Fatalf("sign batch: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result on partial key-registry miss, got %d", len(results))
	}
}

func TestPoolCloseRejectsFurtherBatches(t *testing.T) {
	pool := New(1)
	pool.Close()
	_, err := pool.SignBatch(context.Background(), []ToBeSigned{{Index: 0, Message: []byte("m")}})
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
