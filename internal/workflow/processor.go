package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor expires trades that were proposed or approved but never
// completed within the trade TTL
type Processor struct {
	service      *Service
	store        Store
	ttl          time.Duration
	processDelay time.Duration // Time between expiry sweeps
}

func NewProcessor(service *Service, ttl, processDelay time.Duration) *Processor {
	return &Processor{
		service:      service,
		store:        service.store,
		ttl:          ttl,
		processDelay: processDelay,
	}
}

// Start begins the expiry loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_processor").Logger()
	logger.Info().Dur("ttl", p.ttl).Msg("starting expiry processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry processor")
			return
		case <-ticker.C:
			if _, err := p.ExpireStale(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to expire stale trades")
			}
		}
	}
}

// ExpireStale expires every open trade untouched for longer than the TTL
// and returns how many were expired. Approved trades the ledger already
// settled are finalized instead and not counted.
func (p *Processor) ExpireStale(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "expiry_processor").Logger()

	cutoff := p.service.now().Add(-p.ttl)
	trades, err := p.store.ListStaleTrades(ctx, []types.TradeStatus{types.StatusProposed, types.StatusApproved}, cutoff)
	if err != nil {
		return 0, err
	}

	logger.Debug().Int("stale_count", len(trades)).Time("cutoff", cutoff).Msg("processing stale trades")

	expired := 0
	for _, trade := range trades {
		status, err := p.service.Expire(ctx, trade.TradeID, trade.Status)
		switch {
		case err == nil && status == types.StatusExpired:
			expired++
			logger.Info().
				Str("trade_id", trade.TradeID).
				Str("from", string(trade.Status)).
				Msg("trade expired")
		case err == nil:
			logger.Info().
				Str("trade_id", trade.TradeID).
				Str("status", string(status)).
				Msg("trade finalized from ledger settlement")
		case errors.Is(err, types.ErrPreconditionFailed):
			// Moved on since it was listed
			logger.Debug().Str("trade_id", trade.TradeID).Msg("trade changed status, skipping expiry")
		default:
			logger.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to expire trade")
		}
	}

	return expired, nil
}
