package engine

import (
	"context"
	"fmt"
	"log/slog"

	"arbridge/internal/domain"
)

// confirmCheckEvery controls how often the optional on-chain cross-check
// runs, in units of deposit polls.
const confirmCheckEvery = 6

// monitorDeposit polls the destination exchange until the deposit arrives or
// the wall-clock budget is exhausted. Individual poll failures are swallowed
// and retried; they do not shorten the remaining budget, which is tracked
// against the engine clock independent of per-poll outcomes.
func (e *Engine) monitorDeposit(
	ctx context.Context,
	dst domain.ExchangeAdapter,
	asset string,
	creds domain.Credentials,
	txHash string,
	log *slog.Logger,
) (domain.DepositStatus, error) {
	deadline := e.now().Add(e.cfg.DepositMaxWait)
	polls := 0

	for {
		pollCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		status, err := dst.CheckDeposit(pollCtx, asset, creds)
		cancel()
		polls++

		switch {
		case err != nil:
			log.WarnContext(ctx, "deposit poll failed, will retry",
				slog.Int("poll", polls),
				slog.String("error", err.Error()),
			)
		case status.Arrived:
			return status, nil
		default:
			log.DebugContext(ctx, "deposit not yet arrived",
				slog.Int("poll", polls),
				slog.Int("confirmations", status.Confirmations),
			)
		}

		// Secondary signal: when the withdrawal produced an EVM tx hash,
		// report on-chain depth so operators can tell "still confirming"
		// from "never broadcast".
		if e.confirmer != nil && txHash != "" && polls%confirmCheckEvery == 0 {
			if confs, cErr := e.confirmer.Confirmations(ctx, txHash); cErr == nil {
				log.InfoContext(ctx, "on-chain confirmation depth",
					slog.String("tx_hash", txHash),
					slog.Uint64("confirmations", confs),
				)
			}
		}

		if !e.now().Before(deadline) {
			return domain.DepositStatus{}, fmt.Errorf(
				"no deposit of %s after %s (%d polls): %w",
				asset, e.cfg.DepositMaxWait, polls, domain.ErrDepositTimeout,
			)
		}

		if err := e.sleep(ctx, e.cfg.DepositPollInterval); err != nil {
			return domain.DepositStatus{}, fmt.Errorf("deposit wait interrupted: %w", err)
		}
	}
}

// WaitForDeposit exposes the deposit polling loop for callers that need to
// resume monitoring outside a full transfer, e.g. manual reconciliation of
// a transfer that failed mid-transit.
func (e *Engine) WaitForDeposit(ctx context.Context, venue, asset string, creds domain.Credentials, txHash string) (domain.DepositStatus, error) {
	adapter, err := e.adapters.AdapterFor(venue)
	if err != nil {
		return domain.DepositStatus{}, fmt.Errorf("engine: venue %s: %w", venue, err)
	}
	log := e.logger.With(slog.String("venue", venue), slog.String("asset", asset))
	dep, err := e.monitorDeposit(ctx, adapter, asset, creds, txHash, log)
	if err != nil {
		return domain.DepositStatus{}, err
	}
	return dep, nil
}
