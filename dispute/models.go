package dispute

import (
	"time"

	"github.com/holiman/uint256"
)

// Resolution windows. The admin must adjudicate within ResolutionWindow of
// the raise; after RefundWindow anyone may trigger the auto-refund, so stake
// can never be locked up indefinitely by an absent admin.
const (
	ResolutionWindow = 7 * 24 * time.Hour
	RefundWindow     = 14 * 24 * time.Hour
)

// Outcome labels recorded on resolution.
const (
	OutcomeRefunded     = "REFUNDED"
	OutcomeSlashed      = "SLASHED"
	OutcomeAutoRefunded = "AUTO_REFUNDED"
)

// Dispute mirrors the disputes table. A product carries at most one dispute
// row for its whole lifetime; once Resolved is set the product can never be
// disputed again. That terminal guard is deliberate: it blocks repeated
// dispute/refund farming cycles against the same product.
type Dispute struct {
	ProductID       string
	Disputer        string
	ReasonHash      string
	Active          bool
	Resolved        bool
	RaisedAt        time.Time
	RefundWindowEnd time.Time
	DisputableStake *uint256.Int
	ResolvedAt      *time.Time
	Outcome         *string
}
