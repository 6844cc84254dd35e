package charge

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxRefLength bounds the caller-supplied idempotency reference.
const MaxRefLength = 128

// Request is one charge submission as received from the operator surface.
type Request struct {
	Address     string
	Amount      string
	Ref         string
	RequestedBy string
}

// ValidateRequest checks the request against the resolved single-charge cap
// and returns the parsed amount. Pure: no I/O, no ledger access.
func ValidateRequest(req Request, maxAmount *big.Int) (*big.Int, error) {
	if !strings.HasPrefix(req.Address, "0x") || len(req.Address) != 42 || !common.IsHexAddress(req.Address) {
		return nil, validationErr("address must be 0x-prefixed 42 chars")
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, validationErr("amount must be a valid integer string")
	}
	if amount.Sign() <= 0 {
		return nil, validationErr("amount must be > 0")
	}
	if amount.Cmp(maxAmount) > 0 {
		return nil, validationErr("amount exceeds MAX_SINGLE_CHARGE_AMOUNT")
	}

	if req.Ref == "" || len(req.Ref) > MaxRefLength {
		return nil, validationErr("ref required and length <= 128")
	}

	return amount, nil
}
