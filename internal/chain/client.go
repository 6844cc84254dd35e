package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EndpointFunc resolves the current RPC endpoint. The client re-dials only
// when the resolved value changes, so connections are reused across requests
// while endpoint updates in the configuration store still take effect.
type EndpointFunc func(ctx context.Context) (string, error)

// Client wraps go-ethereum and provides the three calls the charge core
// needs: two ERC-20 reads and the charger contract write.
type Client struct {
	endpoint EndpointFunc
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	sender   common.Address

	mu  sync.Mutex
	url string
	eth *ethclient.Client
}

// NewClient builds a client for a single chain. privateKeyHex signs charge
// transactions; it may carry a 0x prefix.
func NewClient(endpoint EndpointFunc, chainID uint64, privateKeyHex string) (*Client, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint resolver is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse charger key: %w", err)
	}
	return &Client{
		endpoint: endpoint,
		chainID:  new(big.Int).SetUint64(chainID),
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Sender returns the address the charge transactions are signed with.
func (c *Client) Sender() common.Address {
	return c.sender
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.url = ""
	}
}

func (c *Client) client(ctx context.Context) (*ethclient.Client, error) {
	url, err := c.endpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve rpc endpoint: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil && c.url == url {
		return c.eth, nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c.eth = eth
	c.url = url
	return eth, nil
}

// Allowance returns the amount of token the owner has approved the spender
// to move.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.readUint256(ctx, token, "allowance", owner, spender)
}

// Balance returns the owner's token balance.
func (c *Client) Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.readUint256(ctx, token, "balanceOf", owner)
}

func (c *Client) readUint256(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	eth, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	tokenABI, err := erc20ABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := tokenABI.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: unexpected result arity %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, values[0])
	}
	return value, nil
}

// SendCharge signs and broadcasts charge(from, amount, ref) on the charger
// contract and returns the transaction hash.
func (c *Client) SendCharge(ctx context.Context, charger, from common.Address, amount *big.Int, ref [32]byte) (common.Hash, error) {
	eth, err := c.client(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	contractABI, err := chargerABIInstance()
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse charger abi: %w", err)
	}
	data, err := contractABI.Pack("charge", from, amount, ref)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack charge: %w", err)
	}

	nonce, err := eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.sender,
		To:   &charger,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, charger, new(big.Int), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}
