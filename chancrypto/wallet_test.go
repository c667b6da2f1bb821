package chancrypto

import "testing"

func TestKeypairFromSeedDeterministic(t *testing.T) {
	seed := []byte("alice-seed")

	w1, err := KeypairFromSeed(seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w2, err := KeypairFromSeed(seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w1.Address() != w2.Address() {
		t.Fatalf("same seed produced different addresses: %v vs %v",
			w1.Address(), w2.Address())
	}
}

func TestKeypairFromSeedDistinctAddresses(t *testing.T) {
	alice, err := KeypairFromSeed([]byte("alice-seed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bob, err := KeypairFromSeed([]byte("bob-seed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alice.Address() == bob.Address() {
		t.Fatalf("distinct seeds collided on address %v", alice.Address())
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	w, err := KeypairFromSeed([]byte("carol-seed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := []byte("state-hash-placeholder")
	sig := w.Sign(msg)

	if !Verify(sig, msg, w.Address()) {
		t.Fatalf("valid signature failed to verify")
	}
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	signer, err := KeypairFromSeed([]byte("dave-seed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other, err := KeypairFromSeed([]byte("erin-seed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := []byte("some-state")
	sig := signer.Sign(msg)

	if Verify(sig, msg, other.Address()) {
		t.Fatalf("signature verified against the wrong address")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	w, err := KeypairFromSeed([]byte("frank-seed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sig := w.Sign([]byte("original"))

	if Verify(sig, []byte("tampered"), w.Address()) {
		t.Fatalf("signature verified over a tampered message")
	}
}

func TestAddressLessCanonicalOrdering(t *testing.T) {
	a := Address{0x01}
	b := Address{0x02}

	if !a.Less(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %v not < %v", b, a)
	}
	if a.Less(a) {
		t.Fatalf("an address must not be Less than itself")
	}
}

func TestHashBytesStable(t *testing.T) {
	h1 := HashBytes([]byte("preimage"))
	h2 := HashBytes([]byte("preimage"))
	if h1 != h2 {
		t.Fatalf("HashBytes is not deterministic")
	}

	h3 := HashBytes([]byte("different"))
	if h1 == h3 {
		t.Fatalf("distinct inputs collided")
	}
}
