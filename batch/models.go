package batch

import (
	"time"

	"github.com/holiman/uint256"
)

// Status is the derived lifecycle projection of a batch. The transition to
// FULLY_MINTED happens exactly when the last unit is minted and never reverts.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusFullyMinted Status = "FULLY_MINTED"
)

// Batch mirrors the batches table. UnitStake is the per-product carve-out of
// the bonded stake, floor-divided at registration; the division remainder
// stays bonded to the batch and is never redistributed.
type Batch struct {
	ID           string
	Manufacturer string
	MaxUnits     uint64
	Minted       uint64
	Stake        *uint256.Int
	UnitStake    *uint256.Int
	Active       bool
	Status       Status
	CreatedAt    time.Time
}
