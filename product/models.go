package product

import (
	"time"

	"github.com/holiman/uint256"
)

// Product mirrors the products table. BatchID and MetadataHash are immutable
// after minting; Owner changes only through an accepted transfer or a dispute
// resolution side effect. Stake is the per-product carve-out of the batch
// bond, reduced by slashing.
type Product struct {
	ID           string
	BatchID      string
	Owner        string
	MetadataHash string
	Stake        *uint256.Int
	CreatedAt    time.Time
}
