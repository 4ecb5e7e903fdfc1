// Package chain cross-checks exchange-reported transfer state against the
// chain itself via an EVM JSON-RPC endpoint.
package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Confirmer reports on-chain confirmation depth for withdrawal transactions.
// It is a secondary signal while a deposit is pending: the destination
// exchange's credit decision stays authoritative.
type Confirmer struct {
	client *ethclient.Client
	logger *slog.Logger
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string, logger *slog.Logger) (*Confirmer, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rawURL, err)
	}
	return &Confirmer{
		client: client,
		logger: logger.With(slog.String("component", "chain_confirmer")),
	}, nil
}

// Close releases the RPC connection.
func (c *Confirmer) Close() {
	c.client.Close()
}

// Confirmations returns how many blocks have been mined on top of the block
// containing txHash. Zero with no error means the transaction is in the
// latest block or still pending.
func (c *Confirmer) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return 0, fmt.Errorf("chain: receipt for %s: %w", txHash, err)
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}

	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined, nil
}

// ValidAddress reports whether s parses as an EVM hex address. Withdrawal
// targets are checked when registered and again before each withdrawal.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}
