// Package eth implements the bond ledger against the CAST ERC-20 token over
// an EVM JSON-RPC endpoint. The custodian account holds locked bonds and
// signs settlement transfers.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/castprotocol/resolutiond/internal/domain"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// tokenDecimals is the CAST token's fixed decimal count.
const tokenDecimals = 18

// Config holds ledger connection parameters.
type Config struct {
	RPCURL        string
	TokenAddress  string
	ChainID       int64
	GasLimit      uint64
	// CustodianKey is the hex private key of the bond custodian account.
	CustodianKey string
}

// Ledger implements domain.BondLedger over an ethclient connection.
type Ledger struct {
	client    *ethclient.Client
	erc20     abi.ABI
	token     common.Address
	chainID   *big.Int
	gasLimit  uint64
	key       *ecdsa.PrivateKey
	custodian common.Address
	logger    *slog.Logger
}

// New dials the RPC endpoint and prepares the custodian signer.
func New(cfg Config, logger *slog.Logger) (*Ledger, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("eth: dial rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("eth: parse erc20 abi: %w", err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.CustodianKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("eth: parse custodian key: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 120_000
	}

	return &Ledger{
		client:    client,
		erc20:     parsed,
		token:     common.HexToAddress(cfg.TokenAddress),
		chainID:   big.NewInt(cfg.ChainID),
		gasLimit:  gasLimit,
		key:       key,
		custodian: ethcrypto.PubkeyToAddress(key.PublicKey),
		logger:    logger.With(slog.String("component", "bond_ledger")),
	}, nil
}

// Custodian returns the bond custodian address.
func (l *Ledger) Custodian() common.Address { return l.custodian }

// Close releases the RPC connection.
func (l *Ledger) Close() { l.client.Close() }

// Balance returns the CAST balance of the address.
func (l *Ledger) Balance(ctx context.Context, address string) (float64, error) {
	raw, err := l.call(ctx, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("eth: balanceOf %s: %w", address, err)
	}
	return fromWei(raw), nil
}

// Allowance returns the amount the address approved the custodian to pull.
func (l *Ledger) Allowance(ctx context.Context, owner string) (float64, error) {
	raw, err := l.call(ctx, "allowance", common.HexToAddress(owner), l.custodian)
	if err != nil {
		return 0, fmt.Errorf("eth: allowance %s: %w", owner, err)
	}
	return fromWei(raw), nil
}

// LockBond pulls the bond from the disputer into custody via transferFrom.
func (l *Ledger) LockBond(ctx context.Context, disputer string, amount float64) (string, error) {
	balance, err := l.Balance(ctx, disputer)
	if err != nil {
		return "", err
	}
	allowance, err := l.Allowance(ctx, disputer)
	if err != nil {
		return "", err
	}
	if balance < amount || allowance < amount {
		return "", fmt.Errorf("eth: lock bond %.2f for %s: %w", amount, disputer, domain.ErrInsufficientStake)
	}

	data, err := l.erc20.Pack("transferFrom", common.HexToAddress(disputer), l.custodian, toWei(amount))
	if err != nil {
		return "", fmt.Errorf("eth: pack transferFrom: %w", err)
	}
	return l.send(ctx, data)
}

// Execute performs one settlement transaction. Slash routing transactions
// with a non-positive amount are ledger-internal (the bond already sits in
// custody) and need no on-chain transfer.
func (l *Ledger) Execute(ctx context.Context, tx domain.SettlementTx) (string, error) {
	if tx.Amount <= 0 {
		return "", nil
	}
	if tx.Recipient == "" {
		return "", fmt.Errorf("eth: settlement tx for dispute %s has no recipient: %w", tx.DisputeID, domain.ErrInvalidInput)
	}

	data, err := l.erc20.Pack("transfer", common.HexToAddress(tx.Recipient), toWei(tx.Amount))
	if err != nil {
		return "", fmt.Errorf("eth: pack transfer: %w", err)
	}
	return l.send(ctx, data)
}

// call performs an eth_call against the token contract and unpacks a uint256.
func (l *Ledger) call(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := l.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	if err := l.erc20.UnpackIntoInterface(&out, method, result); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// send signs and broadcasts a contract call from the custodian, waiting for
// inclusion.
func (l *Ledger) send(ctx context.Context, data []byte) (string, error) {
	nonce, err := l.client.PendingNonceAt(ctx, l.custodian)
	if err != nil {
		return "", fmt.Errorf("eth: pending nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("eth: suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, l.token, big.NewInt(0), l.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("eth: sign tx: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("eth: send tx: %w", err)
	}

	hash := signed.Hash()
	if err := l.waitMined(ctx, hash); err != nil {
		return hash.Hex(), err
	}
	return hash.Hex(), nil
}

// waitMined polls for the transaction receipt.
func (l *Ledger) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("eth: tx %s reverted", hash.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("eth: wait mined %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// toWei converts a CAST amount to its 18-decimal integer representation.
func toWei(amount float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(math.Pow10(tokenDecimals)))
	wei, _ := scaled.Int(nil)
	return wei
}

// fromWei converts an 18-decimal integer amount to CAST.
func fromWei(wei *big.Int) float64 {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(math.Pow10(tokenDecimals)))
	out, _ := f.Float64()
	return out
}

var _ domain.BondLedger = (*Ledger)(nil)
