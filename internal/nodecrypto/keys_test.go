package nodecrypto

import "testing"

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	kp, err := NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("node encoding bytes")
	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(kp.Public, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatalf("expected tampered message to fail verification")
	}
}

func TestSecp256k1SignVerifyRoundTrip(t *testing.T) {
	kp, err := NewSecp256k1KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("node encoding bytes")
	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(kp.Public, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsWrongKeyType(t *testing.T) {
	kp, err := NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, err := NewSecp256k1KeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, err := kp.Sign([]byte("m"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if Verify(other.Public, []byte("m"), sig) {
		t.Fatalf("expected cross key-type verification to fail")
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("hello"))
	b := Hash([]byte("hello"))
	if a != b {
		t.Fatalf("expected identical hashes for identical input")
	}
	c := Hash([]byte("hellp"))
	if a == c {
		t.Fatalf("expected different hashes for different input")
	}
}
