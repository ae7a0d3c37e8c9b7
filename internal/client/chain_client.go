package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"kyc-service/internal/config"
	"kyc-service/internal/util"
)

// ErrTxReverted marks a transaction that was mined but failed. Callers
// distinguish it from transport failures when building user-facing messages.
var ErrTxReverted = errors.New("transaction reverted")

// tokenContractABI covers the two operations this service depends on.
const tokenContractABI = `[
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"kycApproved","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"account","type":"address"},{"name":"approved","type":"bool"}],"name":"updateKYCStatus","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// ChainClient reads and writes the authoritative on-chain KYC flag on the
// GSDT token contract. Writes are awaited for inclusion before returning.
type ChainClient struct {
	eth        *ethclient.Client
	contract   *bind.BoundContract
	contractAt common.Address
	signerKey  *ecdsa.PrivateKey
	chainID    *big.Int
	config     *config.ChainConfig
}

func NewChainClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ChainClient, error) {
	chainConfig := cfg.Chain

	eth, err := ethclient.DialContext(ctx, chainConfig.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger node: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(tokenContractABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to parse token contract ABI: %w", err)
	}

	if !common.IsHexAddress(chainConfig.ContractAddress) {
		eth.Close()
		return nil, fmt.Errorf("invalid token contract address: %q", chainConfig.ContractAddress)
	}
	contractAt := common.HexToAddress(chainConfig.ContractAddress)

	var signerKey *ecdsa.PrivateKey
	if chainConfig.PrivateKeyHex != "" {
		signerKey, err = ethcrypto.HexToECDSA(strings.TrimPrefix(chainConfig.PrivateKeyHex, "0x"))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("failed to parse chain signer key: %w", err)
		}
	}

	util.Info("Chain client initialized",
		zap.String("rpc_url", chainConfig.RPCURL),
		zap.String("contract", contractAt.Hex()),
		zap.Int64("chain_id", chainConfig.ChainID),
		zap.Bool("signer_configured", signerKey != nil),
	)

	return &ChainClient{
		eth:        eth,
		contract:   bind.NewBoundContract(contractAt, parsed, eth, eth, eth),
		contractAt: contractAt,
		signerKey:  signerKey,
		chainID:    big.NewInt(chainConfig.ChainID),
		config:     &chainConfig,
	}, nil
}

// IsApproved reads the on-chain KYC flag for an address.
func (c *ChainClient) IsApproved(ctx context.Context, subjectAddress string) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "kycApproved", common.HexToAddress(subjectAddress))
	if err != nil {
		return false, fmt.Errorf("kycApproved call failed: %w", err)
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("kycApproved returned unexpected type %T", out[0])
	}
	return approved, nil
}

// SetApproved writes the on-chain KYC flag and waits for the transaction to
// be mined. Returns the transaction hash of the included transaction.
func (c *ChainClient) SetApproved(ctx context.Context, subjectAddress string, approved bool) (string, error) {
	if c.signerKey == nil {
		return "", fmt.Errorf("chain signer key not configured")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.signerKey, c.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to build transactor: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()
	opts.Context = waitCtx

	tx, err := c.contract.Transact(opts, "updateKYCStatus", common.HexToAddress(subjectAddress), approved)
	if err != nil {
		return "", fmt.Errorf("updateKYCStatus transaction failed: %w", err)
	}

	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("waiting for inclusion of %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status == 0 {
		return tx.Hash().Hex(), fmt.Errorf("updateKYCStatus %s: %w", tx.Hash().Hex(), ErrTxReverted)
	}

	util.Info("On-chain KYC flag updated",
		zap.String("subject", subjectAddress),
		zap.Bool("approved", approved),
		zap.String("tx", tx.Hash().Hex()),
	)

	return tx.Hash().Hex(), nil
}

func (c *ChainClient) HealthCheck(ctx context.Context) error {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("ledger node unreachable: %w", err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("ledger chain id mismatch: node reports %s, configured %s", id, c.chainID)
	}
	return nil
}

func (c *ChainClient) Close() {
	if c.eth != nil {
		c.eth.Close()
		util.Info("Chain client closed")
	}
}
