package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/ledger"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TradeReconciler finds trades still waiting on payment and refreshes them.
type TradeReconciler interface {
	StaleCreatedTrades(ctx context.Context, before time.Time) ([]types.Trade, error)
	SyncTrade(ctx context.Context, tradeID string) (*types.Trade, error)
}

// WithdrawalSyncer resolves withdrawals left pending by the gateway.
type WithdrawalSyncer interface {
	PendingWithdrawals(ctx context.Context, before time.Time) ([]ledger.Entry, error)
	SyncWithdrawal(ctx context.Context, entryID string) (*ledger.Entry, error)
}

// Processor is the background reconciler. It only syncs payment and
// withdrawal status; it never settles a trade.
type Processor struct {
	trades       TradeReconciler
	withdrawals  WithdrawalSyncer
	processDelay time.Duration // Time between reconciliation passes
	staleAfter   time.Duration
	now          func() time.Time
}

// Summary counts what one pass did.
type Summary struct {
	TradesChecked      int64 `json:"trades_checked"`
	TradesUpdated      int64 `json:"trades_updated"`
	WithdrawalsChecked int64 `json:"withdrawals_checked"`
	WithdrawalsSettled int64 `json:"withdrawals_settled"`
}

func NewProcessor(trades TradeReconciler, withdrawals WithdrawalSyncer, cfg config.ReconcilerConfig) *Processor {
	return &Processor{
		trades:       trades,
		withdrawals:  withdrawals,
		processDelay: cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		now:          time.Now,
	}
}

// Start begins the reconciliation loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_reconciler").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting reconciler")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciler")
			return
		case <-ticker.C:
			summary, err := p.RunOnce(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("reconciliation pass failed")
				continue
			}
			logger.Info().
				Int64("trades_checked", summary.TradesChecked).
				Int64("trades_updated", summary.TradesUpdated).
				Int64("withdrawals_checked", summary.WithdrawalsChecked).
				Int64("withdrawals_settled", summary.WithdrawalsSettled).
				Msg("reconciliation pass completed")
		}
	}
}

// RunOnce does a single pass over stale trades and pending withdrawals.
// Failures on individual items are logged and skipped.
func (p *Processor) RunOnce(ctx context.Context) (*Summary, error) {
	cutoff := p.now().Add(-p.staleAfter)
	summary := &Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.syncTrades(gctx, cutoff, summary)
	})
	g.Go(func() error {
		return p.syncWithdrawals(gctx, cutoff, summary)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}

func (p *Processor) syncTrades(ctx context.Context, cutoff time.Time, summary *Summary) error {
	logger := log.With().Str("component", "settlement_reconciler").Logger()

	trades, err := p.trades.StaleCreatedTrades(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, trade := range trades {
		atomic.AddInt64(&summary.TradesChecked, 1)
		synced, err := p.trades.SyncTrade(ctx, trade.TradeID)
		if err != nil {
			logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to sync trade")
			continue
		}
		if synced.Status != trade.Status {
			atomic.AddInt64(&summary.TradesUpdated, 1)
			logger.Info().
				Str("trade_id", trade.TradeID).
				Str("status", synced.Status).
				Msg("trade status synced from gateway")
		}
	}
	return nil
}

func (p *Processor) syncWithdrawals(ctx context.Context, cutoff time.Time, summary *Summary) error {
	logger := log.With().Str("component", "settlement_reconciler").Logger()

	entries, err := p.withdrawals.PendingWithdrawals(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		atomic.AddInt64(&summary.WithdrawalsChecked, 1)
		_, err := p.withdrawals.SyncWithdrawal(ctx, entry.EntryID)
		switch {
		case err == nil, errors.Is(err, ledger.ErrWithdrawFailed):
			atomic.AddInt64(&summary.WithdrawalsSettled, 1)
		case errors.Is(err, ledger.ErrWithdrawPending):
		default:
			logger.Warn().Err(err).Str("entry_id", entry.EntryID).Msg("failed to sync withdrawal")
		}
	}
	return nil
}
