package model

import "time"

// ChargeStatus tracks the lifecycle of a charge attempt. The core only ever
// writes SUBMITTED; confirmation tracking happens downstream.
type ChargeStatus string

const (
	ChargeStatusSubmitted ChargeStatus = "SUBMITTED"
)

// Charge is the persisted record of one charge attempt, unique per ref.
type Charge struct {
	ID           string       `json:"id"`
	Ref          string       `json:"ref"`
	Address      string       `json:"address"`
	Amount       string       `json:"amount"`
	ChainID      uint64       `json:"chain_id"`
	TokenAddress string       `json:"token_address"`
	Status       ChargeStatus `json:"status"`
	TxHash       string       `json:"tx_hash,omitempty"`
	RequestedBy  string       `json:"requested_by"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
