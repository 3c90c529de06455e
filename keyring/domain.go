// Package keyring implements the signature authorization layer: domain-
// separated structured digests, ed25519 envelopes that establish the acting
// address, and the per-address nonce counter used for replay protection.
package keyring

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"time"
)

// Domain binds every digest to one deployment of the ledger. Two ledgers with
// different domains never produce interchangeable signatures.
type Domain struct {
	Name     string
	Version  string
	ChainID  uint64
	Contract string
}

// DefaultDomain is the production signing domain.
var DefaultDomain = Domain{Name: "custodyflow", Version: "1", ChainID: 1, Contract: "custody-ledger"}

// Separator derives the 32-byte domain separator.
func (d Domain) Separator() [32]byte {
	h := sha256.New()
	writeString(h, "CUSTODYFLOW_DOMAIN")
	writeString(h, d.Name)
	writeString(h, d.Version)
	writeUint64(h, d.ChainID)
	writeString(h, d.Contract)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// InitiateTransfer is the typed message authorizing a transfer initiation on
// behalf of the signer (the current owner).
type InitiateTransfer struct {
	ProductID    string
	To           string
	LocationHash string
	Nonce        uint64
	Deadline     time.Time
}

// Digest computes the signing digest for the message under the given domain.
func (m InitiateTransfer) Digest(d Domain) [32]byte {
	sep := d.Separator()
	h := sha256.New()
	h.Write(sep[:])
	writeString(h, "InitiateTransfer")
	writeString(h, m.ProductID)
	writeString(h, m.To)
	writeString(h, m.LocationHash)
	writeUint64(h, m.Nonce)
	writeUint64(h, uint64(m.Deadline.Unix()))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AcceptTransfer is the typed message authorizing acceptance of a pending
// transfer on behalf of the signer (the designated receiver).
type AcceptTransfer struct {
	ProductID string
	Nonce     uint64
	Deadline  time.Time
}

func (m AcceptTransfer) Digest(d Domain) [32]byte {
	sep := d.Separator()
	h := sha256.New()
	h.Write(sep[:])
	writeString(h, "AcceptTransfer")
	writeString(h, m.ProductID)
	writeUint64(h, m.Nonce)
	writeUint64(h, uint64(m.Deadline.Unix()))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Fields are length-framed so no two field sequences collide on the same byte
// stream.
func writeString(h hash.Hash, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
