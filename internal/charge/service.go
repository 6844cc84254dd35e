package charge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bujie9527/dapp/internal/model"
	"github.com/bujie9527/dapp/internal/settings"
	"github.com/bujie9527/dapp/internal/storage"
)

// ChainReader covers the read-only preflight queries.
type ChainReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Balance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// ChainWriter broadcasts the charge transaction.
type ChainWriter interface {
	SendCharge(ctx context.Context, charger, from common.Address, amount *big.Int, ref [32]byte) (common.Hash, error)
}

// Chain is the full capability the orchestrator needs from the node.
type Chain interface {
	ChainReader
	ChainWriter
}

// Settings resolves configuration values through the read-through cache.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetRequired(ctx context.Context, key string) (string, error)
}

// Config holds the orchestrator's fixed runtime settings.
type Config struct {
	ChainID      uint64
	MaxRetries   int
	RetryBackoff time.Duration
	// ResolveRPC resolves the RPC endpoint, honoring whatever fallback the
	// deployment configured. When nil, the RPC_URL setting is required.
	ResolveRPC func(ctx context.Context) (string, error)
}

// Result is returned to the caller after a successful (or replayed)
// submission.
type Result struct {
	ChargeID string
	TxHash   string
	Ref      string
}

// Service orchestrates a charge: configuration, validation, idempotency,
// preflight, intent persistence, submission, and the audit event.
type Service struct {
	cfg      Config
	settings Settings
	charges  storage.ChargeStore
	events   storage.EventStore
	chain    Chain
	logger   *zap.Logger
	refs     *refLocker
}

// NewService builds a Service with its dependencies.
func NewService(cfg Config, settingsCache Settings, charges storage.ChargeStore, events storage.EventStore, chainClient Chain, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		settings: settingsCache,
		charges:  charges,
		events:   events,
		chain:    chainClient,
		logger:   logger,
		refs:     newRefLocker(),
	}
}

// Submit runs one charge attempt. Retrying with the same ref after a success
// returns the original {chargeId, txHash} without touching the chain again.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Ref) == "" {
		req.Ref = uuid.NewString()
	} else {
		req.Ref = strings.TrimSpace(req.Ref)
	}

	cfg, err := s.resolveConfig(ctx)
	if err != nil {
		return Result{}, err
	}

	amount, err := ValidateRequest(req, cfg.maxAmount)
	if err != nil {
		return Result{}, err
	}

	release := s.refs.acquire(req.Ref)
	defer release()

	existing, found, err := s.charges.FindByRef(ctx, req.Ref)
	if err != nil {
		return Result{}, fmt.Errorf("lookup charge by ref: %w", err)
	}
	if found {
		if existing.TxHash != "" {
			s.logger.Info("charge replayed",
				zap.String("ref", req.Ref),
				zap.String("charge_id", existing.ID),
				zap.String("tx_hash", existing.TxHash),
			)
			return Result{ChargeID: existing.ID, TxHash: existing.TxHash, Ref: req.Ref}, nil
		}
		// Intent was persisted but no hash was ever recorded. The transaction
		// may already be on chain; resubmitting could debit the allowance
		// twice, so the row must be reconciled by hand first.
		return Result{}, &Error{
			Kind:    KindChargePending,
			Message: fmt.Sprintf("charge %s is awaiting manual reconciliation", existing.ID),
		}
	}

	owner := common.HexToAddress(req.Address)
	if err := s.preflight(ctx, cfg, owner, amount); err != nil {
		return Result{}, err
	}

	row, err := s.charges.UpsertByRef(ctx, model.Charge{
		ID:           uuid.NewString(),
		Ref:          req.Ref,
		Address:      strings.ToLower(req.Address),
		Amount:       amount.String(),
		ChainID:      s.cfg.ChainID,
		TokenAddress: strings.ToLower(cfg.tokenAddress.Hex()),
		Status:       model.ChargeStatusSubmitted,
		RequestedBy:  req.RequestedBy,
	})
	if err != nil {
		return Result{}, fmt.Errorf("persist charge intent: %w", err)
	}

	commitment := refCommitment(req.Ref)
	txHash, err := s.chain.SendCharge(ctx, cfg.chargerAddress, owner, amount, commitment)
	if err != nil {
		s.logger.Error("charge submission failed",
			zap.String("ref", req.Ref),
			zap.String("charge_id", row.ID),
			zap.Error(err),
		)
		return Result{}, &Error{Kind: KindSubmissionFailed, Message: "charge transaction failed", Err: err}
	}

	if err := s.charges.SetTxHash(ctx, row.ID, txHash.Hex()); err != nil {
		// The transaction is on its way; surfacing the error without hiding
		// that is all this core can do.
		s.logger.Error("record tx hash failed",
			zap.String("charge_id", row.ID),
			zap.String("tx_hash", txHash.Hex()),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("record tx hash for charge %s: %w", row.ID, err)
	}

	s.appendEvent(ctx, row, req, amount, txHash.Hex())

	s.logger.Info("charge submitted",
		zap.String("ref", req.Ref),
		zap.String("charge_id", row.ID),
		zap.String("address", row.Address),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash.Hex()),
	)

	return Result{ChargeID: row.ID, TxHash: txHash.Hex(), Ref: req.Ref}, nil
}

// GetCharge returns the ledger row for polling.
func (s *Service) GetCharge(ctx context.Context, id string) (model.Charge, bool, error) {
	return s.charges.FindByID(ctx, id)
}

type resolvedConfig struct {
	chargerAddress common.Address
	tokenAddress   common.Address
	maxAmount      *big.Int
}

func (s *Service) resolveConfig(ctx context.Context) (resolvedConfig, error) {
	// The RPC endpoint is resolved here only so a blank endpoint fails
	// before any chain traffic; the chain client re-resolves it when
	// dialing.
	if s.cfg.ResolveRPC != nil {
		if _, err := s.cfg.ResolveRPC(ctx); err != nil {
			return resolvedConfig{}, asConfigErr(err)
		}
	} else if _, err := s.settings.GetRequired(ctx, settings.KeyRPCURL); err != nil {
		return resolvedConfig{}, asConfigErr(err)
	}
	chargerHex, err := s.settings.GetRequired(ctx, settings.KeyChargerAddress)
	if err != nil {
		return resolvedConfig{}, asConfigErr(err)
	}
	tokenHex, err := s.settings.GetRequired(ctx, settings.KeyTokenAddress)
	if err != nil {
		return resolvedConfig{}, asConfigErr(err)
	}
	maxValue, err := s.settings.GetRequired(ctx, settings.KeyMaxSingleChargeAmount)
	if err != nil {
		return resolvedConfig{}, asConfigErr(err)
	}
	// Read but unused here: consumed by the downstream confirmation tracker.
	if _, _, err := s.settings.Get(ctx, settings.KeyConfirmationsRequired); err != nil {
		return resolvedConfig{}, asConfigErr(err)
	}

	maxAmount, ok := new(big.Int).SetString(maxValue, 10)
	if !ok || maxAmount.Sign() <= 0 {
		return resolvedConfig{}, configErr(
			fmt.Sprintf("setting %s must be a positive integer", settings.KeyMaxSingleChargeAmount), nil)
	}

	return resolvedConfig{
		chargerAddress: common.HexToAddress(strings.ToLower(chargerHex)),
		tokenAddress:   common.HexToAddress(strings.ToLower(tokenHex)),
		maxAmount:      maxAmount,
	}, nil
}

// preflight checks allowance and balance before anything is persisted. Both
// shortfalls report the same message so callers cannot probe which on-chain
// figure was too low.
func (s *Service) preflight(ctx context.Context, cfg resolvedConfig, owner common.Address, amount *big.Int) error {
	allowance, err := s.readWithRetry(ctx, func(ctx context.Context) (*big.Int, error) {
		return s.chain.Allowance(ctx, cfg.tokenAddress, owner, cfg.chargerAddress)
	})
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return &Error{Kind: KindInsufficientAuthorization, Message: "allowance/balance insufficient"}
	}

	balance, err := s.readWithRetry(ctx, func(ctx context.Context) (*big.Int, error) {
		return s.chain.Balance(ctx, cfg.tokenAddress, owner)
	})
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return &Error{Kind: KindInsufficientAuthorization, Message: "allowance/balance insufficient"}
	}

	return nil
}

func (s *Service) readWithRetry(ctx context.Context, fn func(context.Context) (*big.Int, error)) (*big.Int, error) {
	var value *big.Int
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		value, err = fn(ctx)
		if err != nil {
			s.logger.Warn("preflight read failed", zap.Error(err))
		}
		return err
	})
	return value, err
}

func (s *Service) appendEvent(ctx context.Context, row model.Charge, req Request, amount *big.Int, txHash string) {
	event := model.ChargeEvent{
		Type:     model.EventTypeCharge,
		Status:   string(model.ChargeStatusSubmitted),
		Actor:    model.EventActorAdmin,
		Address:  row.Address,
		TxHash:   txHash,
		ChargeID: row.ID,
		Metadata: map[string]any{
			"action":   "CHARGE_SUBMITTED",
			"txHash":   txHash,
			"amount":   amount.String(),
			"ref":      req.Ref,
			"chargeId": row.ID,
		},
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		// Best effort: the charge row is already authoritative.
		s.logger.Warn("append charge event failed", zap.String("charge_id", row.ID), zap.Error(err))
	}
}

// refCommitment derives the fixed-length value passed on chain so the
// contract call is bound to the same idempotency key as the ledger row.
func refCommitment(ref string) [32]byte {
	return crypto.Keccak256Hash([]byte(ref))
}

func asConfigErr(err error) error {
	var missing *settings.MissingError
	if errors.As(err, &missing) {
		return configErr(missing.Error(), nil)
	}
	return fmt.Errorf("resolve settings: %w", err)
}
