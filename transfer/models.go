package transfer

import "time"

// Timeout is how long a pending transfer stays acceptable. Expiry is
// evaluated lazily: an expired row is cleared the next time an operation
// touches the product, never by a background sweeper.
const Timeout = 72 * time.Hour

// Pending is an in-flight, not-yet-accepted custody handoff. At most one
// exists per product.
type Pending struct {
	ProductID    string
	To           string
	LocationHash string
	InitiatedAt  time.Time
}

// Expired reports whether the handoff is past its acceptance deadline at now.
func (p Pending) Expired(now time.Time) bool {
	return now.After(p.InitiatedAt.Add(Timeout))
}
