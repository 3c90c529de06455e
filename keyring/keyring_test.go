package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestRecoverSigner_RoundTrip(t *testing.T) {
	priv := testKey(t)
	msg := InitiateTransfer{
		ProductID:    "prod-1",
		To:           "0xreceiver",
		LocationHash: "loc-hash",
		Nonce:        5,
		Deadline:     time.Unix(1_900_000_000, 0),
	}

	env := Sign(priv, msg.Digest(DefaultDomain))
	signer, err := env.RecoverSigner(msg.Digest(DefaultDomain))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if want := AddressOf(priv.Public().(ed25519.PublicKey)); signer != want {
		t.Fatalf("expected signer %s got %s", want, signer)
	}
}

func TestRecoverSigner_RejectsTamperedMessage(t *testing.T) {
	priv := testKey(t)
	msg := InitiateTransfer{ProductID: "prod-1", To: "0xreceiver", Nonce: 1, Deadline: time.Unix(1_900_000_000, 0)}
	env := Sign(priv, msg.Digest(DefaultDomain))

	// A relayer rewriting the destination must invalidate the signature.
	tampered := msg
	tampered.To = "0xattacker"
	if _, err := env.RecoverSigner(tampered.Digest(DefaultDomain)); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature got %v", err)
	}
}

func TestRecoverSigner_RejectsForeignDomain(t *testing.T) {
	priv := testKey(t)
	msg := AcceptTransfer{ProductID: "prod-1", Nonce: 0, Deadline: time.Unix(1_900_000_000, 0)}
	env := Sign(priv, msg.Digest(DefaultDomain))

	other := Domain{Name: "custodyflow", Version: "1", ChainID: 99, Contract: "custody-ledger"}
	if _, err := env.RecoverSigner(msg.Digest(other)); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature across domains got %v", err)
	}
}

func TestRecoverSigner_RejectsMalformedEnvelope(t *testing.T) {
	msg := AcceptTransfer{ProductID: "p", Deadline: time.Unix(1_900_000_000, 0)}
	env := Envelope{PublicKey: []byte("short"), Sig: []byte("sig")}
	if _, err := env.RecoverSigner(msg.Digest(DefaultDomain)); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature got %v", err)
	}
}

func TestDigest_DistinguishesMessageTypes(t *testing.T) {
	// An AcceptTransfer digest must never collide with an InitiateTransfer
	// digest over overlapping fields.
	deadline := time.Unix(1_900_000_000, 0)
	init := InitiateTransfer{ProductID: "p", Nonce: 3, Deadline: deadline}
	accept := AcceptTransfer{ProductID: "p", Nonce: 3, Deadline: deadline}
	if init.Digest(DefaultDomain) == accept.Digest(DefaultDomain) {
		t.Fatal("digests for different message types collided")
	}
}
