package settings

// Setting keys resolved on every charge submission.
const (
	// KeyRPCURL is the chain RPC endpoint.
	KeyRPCURL = "RPC_URL"
	// KeyChargerAddress is the charger contract allowed to move tokens.
	KeyChargerAddress = "CHARGER_CONTRACT_ADDRESS"
	// KeyTokenAddress is the ERC-20 token contract being debited.
	KeyTokenAddress = "TOKEN_CONTRACT_ADDRESS"
	// KeyMaxSingleChargeAmount caps one charge, in base token units.
	KeyMaxSingleChargeAmount = "MAX_SINGLE_CHARGE_AMOUNT"
	// KeyConfirmationsRequired is read here but consumed by the downstream
	// confirmation tracker.
	KeyConfirmationsRequired = "CONFIRMATIONS_REQUIRED"
)
