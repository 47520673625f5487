package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"civicreport/config"
	"civicreport/ids"
)

const (
	sendAttempts        = 3
	sendBackoff         = 2 * time.Second
	defaultSendTimeout  = 30 * time.Second
	defaultReceiptWait  = 2 * time.Minute
	receiptPollInterval = time.Second

	// errAlreadyKnown is the txpool message for a duplicate transaction. It
	// arrives over RPC as text, so it is matched by content.
	errAlreadyKnown = "already known"
)

// FromWei converts a wei amount to ether.
func FromWei(src *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(src, -18)
}

// ethBackend is the subset of ethclient.Client used by the committer.
type ethBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
}

// EthCommitter anchors commitments as calldata of a zero-value transaction
// sent to a fixed anchor address.
type EthCommitter struct {
	client         ethBackend
	chainID        *big.Int
	privateKey     *ecdsa.PrivateKey
	fromAddress    ethcommon.Address
	anchorAddress  ethcommon.Address
	sendTimeout    time.Duration
	receiptTimeout time.Duration
	pollInterval   time.Duration
	backoff        time.Duration
}

// NewEthCommitter dials the node at cfg.NetworkURL and loads the signing key.
func NewEthCommitter(cfg config.EthereumConfig) (*EthCommitter, error) {
	client, err := ethclient.Dial(cfg.NetworkURL)
	if err != nil {
		return nil, fmt.Errorf("error creating ethclient with the network url %s: %w", cfg.NetworkURL, err)
	}
	return newEthCommitter(client, cfg)
}

func newEthCommitter(client ethBackend, cfg config.EthereumConfig) (*EthCommitter, error) {
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("the ETH_PRIVATE_KEY param isn't specified")
	}
	privateKey, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("error converting private key: %w", err)
	}
	if !ethcommon.IsHexAddress(cfg.AnchorAddress) {
		return nil, fmt.Errorf("invalid anchor address %q", cfg.AnchorAddress)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting chain ID: %w", err)
	}

	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = defaultReceiptWait
	}

	c := &EthCommitter{
		client:         client,
		chainID:        chainID,
		privateKey:     privateKey,
		fromAddress:    crypto.PubkeyToAddress(privateKey.PublicKey),
		anchorAddress:  ethcommon.HexToAddress(cfg.AnchorAddress),
		sendTimeout:    sendTimeout,
		receiptTimeout: receiptTimeout,
		pollInterval:   receiptPollInterval,
		backoff:        sendBackoff,
	}
	log.Infof("Ledger committer initialized, chain ID: %v, sender: %v, anchor: %v", c.chainID, c.fromAddress, c.anchorAddress)
	return c, nil
}

func (c *EthCommitter) Name() string { return "Ethereum" }

// Commit signs one transaction for the commitment and broadcasts it until the
// node accepts it. Retries re-send the same signed transaction, so a
// commitment is never anchored twice.
func (c *EthCommitter) Commit(ctx context.Context, commitment Commitment) (Receipt, error) {
	data, err := commitment.Marshal()
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal commitment: %w", err)
	}

	var tx *types.Transaction
	err = c.retry(ctx, "sign", commitment.StorageID, func(ctx context.Context) error {
		signed, err := c.sign(ctx, data)
		if err == nil {
			tx = signed
		}
		return err
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to prepare commitment for %s: %w", commitment.StorageID, err)
	}

	err = c.retry(ctx, "broadcast", commitment.StorageID, func(ctx context.Context) error {
		return c.broadcast(ctx, tx)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to send commitment for %s: %w", commitment.StorageID, err)
	}
	log.Infof("Transaction %s sent for %s", tx.Hash().Hex(), commitment.StorageID)

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), tx.GasPrice())
	if receipt.EffectiveGasPrice != nil {
		fee = new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	}
	log.Infof("Transaction %s mined in block %v, fee %s ETH", tx.Hash().Hex(), receipt.BlockNumber, FromWei(fee).String())

	return Receipt{
		Ref:    ids.LedgerRefFromHash(tx.Hash()),
		TxHash: tx.Hash().Hex(),
	}, nil
}

// retry runs fn up to sendAttempts times with linear backoff. Each attempt is
// bounded by the send timeout.
func (c *EthCommitter) retry(ctx context.Context, step, storageID string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*c.backoff); err != nil {
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		log.Warnf("Ledger %s attempt %d/%d for %s failed: %v", step, attempt, sendAttempts, storageID, err)
	}
	return err
}

func (c *EthCommitter) sign(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	to := c.anchorAddress
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// broadcast sends tx. A node that already holds it answers "already known",
// which means an earlier attempt got through.
func (c *EthCommitter) broadcast(ctx context.Context, tx *types.Transaction) error {
	err := c.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), errAlreadyKnown) {
		log.Infof("Transaction %s already known to the node", tx.Hash().Hex())
		return nil
	}
	return fmt.Errorf("send transaction: %w", err)
}

func (c *EthCommitter) waitMined(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Warnf("Receipt lookup for %s failed: %v", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not mined: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
