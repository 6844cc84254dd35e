package model

import "time"

// Event types and actors recorded in the audit feed.
const (
	EventTypeCharge = "CHARGE"
	EventActorAdmin = "ADMIN"
)

// ChargeEvent is one append-only audit record for a submission outcome.
type ChargeEvent struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Actor     string         `json:"actor"`
	Address   string         `json:"address"`
	TxHash    string         `json:"tx_hash,omitempty"`
	ChargeID  string         `json:"charge_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
