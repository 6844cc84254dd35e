package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

const chargerABIJSON = `[
  {"inputs": [{"name": "from", "type": "address"}, {"name": "amount", "type": "uint256"}, {"name": "ref", "type": "bytes32"}], "name": "charge", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

var (
	erc20ABI       abi.ABI
	erc20ABIOnce   sync.Once
	erc20ABIErr    error
	chargerABI     abi.ABI
	chargerABIOnce sync.Once
	chargerABIErr  error
)

func erc20ABIInstance() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

func chargerABIInstance() (abi.ABI, error) {
	chargerABIOnce.Do(func() {
		chargerABI, chargerABIErr = abi.JSON(strings.NewReader(chargerABIJSON))
	})
	return chargerABI, chargerABIErr
}
