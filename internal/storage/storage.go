package storage

import (
	"context"

	"github.com/bujie9527/dapp/internal/model"
)

// SettingStore reads and writes persisted configuration values.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value, updatedBy string) error
	ListSettings(ctx context.Context) ([]model.Setting, error)
}

// ChargeStore is the charge ledger. UpsertByRef must be atomic against the
// unique constraint on ref: concurrent writers for the same ref converge on
// one row and never produce two.
type ChargeStore interface {
	FindByRef(ctx context.Context, ref string) (model.Charge, bool, error)
	FindByID(ctx context.Context, id string) (model.Charge, bool, error)
	UpsertByRef(ctx context.Context, charge model.Charge) (model.Charge, error)
	SetTxHash(ctx context.Context, id, txHash string) error
}

// EventStore appends audit events. Appends are fire-and-forget for callers.
type EventStore interface {
	AppendEvent(ctx context.Context, event model.ChargeEvent) error
}
