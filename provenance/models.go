package provenance

import "time"

// Actions recorded on the audit trail. Each state-mutating ledger operation
// appends exactly one of these alongside its domain event.
const (
	ActionMinted            = "MINTED"
	ActionTransferInitiated = "TRANSFER_INITIATED"
	ActionTransferAccepted  = "TRANSFER_ACCEPTED"
	ActionDisputeRaised     = "DISPUTE_RAISED"
	ActionStakeRefunded     = "STAKE_REFUNDED"
	ActionStakeSlashed      = "STAKE_SLASHED"
)

// Outbox topics published by the ledger services.
const (
	TopicBatchRegistered    = "batch.registered"
	TopicBatchStatusChanged = "batch.status_changed"
	TopicProductMinted      = "product.minted"
	TopicTransferInitiated  = "transfer.initiated"
	TopicTransferAccepted   = "transfer.accepted"
	TopicDisputeRaised      = "dispute.raised"
	TopicDisputeResolved    = "dispute.resolved"
	TopicRoleGranted        = "role.granted"
	TopicRelayerApproved    = "relayer.approved"
	TopicRelayerRevoked     = "relayer.revoked"
	TopicMetaTxExecuted     = "metatx.executed"
)

// Event is one append-only provenance record: who handled which product,
// where, and when. The trail for a product reconstructs its full history.
type Event struct {
	ID           string
	ProductID    string
	Handler      string
	LocationHash string
	Action       string
	OccurredAt   time.Time
	Payload      map[string]any
}
