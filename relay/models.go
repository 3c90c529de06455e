package relay

import "time"

// Relayer is an address approved to submit signed transfer messages on
// behalf of users. Revocation keeps the row around so the approval
// history stays queryable.
type Relayer struct {
	Address    string
	ApprovedAt time.Time
	RevokedAt  *time.Time
}

// Active reports whether the relayer may currently submit meta
// transactions.
func (r Relayer) Active() bool {
	return r.RevokedAt == nil
}
