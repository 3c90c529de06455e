package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrInvalidSignature covers both a bad signature and a nonce mismatch:
	// either way the presented authorization is not valid for this operation.
	ErrInvalidSignature = errors.New("keyring: invalid signature")
	// ErrDeadlineExpired signals the signed intent is no longer submittable.
	ErrDeadlineExpired = errors.New("keyring: deadline expired")
)

// Envelope carries a signature together with the public key that produced it.
// Verification recovers the acting address from the key, so a relayer cannot
// substitute a different signer without invalidating the signature.
type Envelope struct {
	PublicKey ed25519.PublicKey
	Sig       []byte
}

// Sign produces an envelope over the digest.
func Sign(priv ed25519.PrivateKey, digest [32]byte) Envelope {
	return Envelope{
		PublicKey: priv.Public().(ed25519.PublicKey),
		Sig:       ed25519.Sign(priv, digest[:]),
	}
}

// RecoverSigner verifies the envelope against the digest and returns the
// signer's ledger address.
func (e Envelope) RecoverSigner(digest [32]byte) (string, error) {
	if len(e.PublicKey) != ed25519.PublicKeySize || len(e.Sig) != ed25519.SignatureSize {
		return "", ErrInvalidSignature
	}
	if !ed25519.Verify(e.PublicKey, digest[:], e.Sig) {
		return "", ErrInvalidSignature
	}
	return AddressOf(e.PublicKey), nil
}

// AddressOf derives the ledger address for a public key: the first 20 bytes of
// its sha256, hex-encoded with an 0x prefix.
func AddressOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[:20])
}
