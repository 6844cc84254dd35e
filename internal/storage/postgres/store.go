package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bujie9527/dapp/internal/model"
)

// Store provides Postgres persistence for settings, charges, and events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSetting returns the value for a key and whether the key exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("setting key required")
	}
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// PutSetting inserts or replaces a setting, recording who changed it.
func (s *Store) PutSetting(ctx context.Context, key, value, updatedBy string) error {
	if key == "" {
		return fmt.Errorf("setting key required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = now()
	`, key, value, updatedBy)
	return err
}

// ListSettings returns all settings ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]model.Setting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, updated_by, updated_at FROM settings ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Setting
	for rows.Next() {
		var item model.Setting
		if err := rows.Scan(&item.Key, &item.Value, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const chargeColumns = `id, ref, address, amount, chain_id, token_address, status, COALESCE(tx_hash, ''), requested_by, created_at, updated_at`

// FindByRef returns the charge for an idempotency ref, if any.
func (s *Store) FindByRef(ctx context.Context, ref string) (model.Charge, bool, error) {
	if ref == "" {
		return model.Charge{}, false, fmt.Errorf("ref required")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE ref=$1`, ref)
	return scanCharge(row)
}

// FindByID returns the charge by id, if any.
func (s *Store) FindByID(ctx context.Context, id string) (model.Charge, bool, error) {
	if id == "" {
		return model.Charge{}, false, fmt.Errorf("charge id required")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id=$1`, id)
	return scanCharge(row)
}

// UpsertByRef atomically inserts the charge or updates the existing row for
// the same ref. The unique constraint on ref plus the single statement is
// what serializes concurrent writers across process instances; on conflict
// the existing id wins and is returned.
func (s *Store) UpsertByRef(ctx context.Context, charge model.Charge) (model.Charge, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO charges (
			id, ref, address, amount, chain_id, token_address, status, requested_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (ref) DO UPDATE SET
			address = EXCLUDED.address,
			amount = EXCLUDED.amount,
			chain_id = EXCLUDED.chain_id,
			token_address = EXCLUDED.token_address,
			status = EXCLUDED.status,
			requested_by = EXCLUDED.requested_by,
			updated_at = now()
		RETURNING `+chargeColumns+`
	`,
		charge.ID,
		charge.Ref,
		charge.Address,
		charge.Amount,
		int64(charge.ChainID),
		charge.TokenAddress,
		string(charge.Status),
		charge.RequestedBy,
	)
	stored, _, err := scanCharge(row)
	if err != nil {
		return model.Charge{}, err
	}
	return stored, nil
}

// SetTxHash records the transaction hash for a charge.
func (s *Store) SetTxHash(ctx context.Context, id, txHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE charges SET tx_hash = $2, updated_at = now() WHERE id = $1
	`, id, txHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("charge %s not found", id)
	}
	return nil
}

// AppendEvent writes one audit record. Events are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, event model.ChargeEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO charge_events (type, status, actor, address, tx_hash, charge_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, '')::uuid, $7, now())
	`,
		event.Type,
		event.Status,
		event.Actor,
		event.Address,
		event.TxHash,
		event.ChargeID,
		metadata,
	)
	return err
}

func scanCharge(row pgx.Row) (model.Charge, bool, error) {
	var c model.Charge
	var chainID int64
	err := row.Scan(
		&c.ID,
		&c.Ref,
		&c.Address,
		&c.Amount,
		&chainID,
		&c.TokenAddress,
		&c.Status,
		&c.TxHash,
		&c.RequestedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Charge{}, false, nil
		}
		return model.Charge{}, false, err
	}
	c.ChainID = uint64(chainID)
	return c, true, nil
}
