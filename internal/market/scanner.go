package market

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"tradingbus/internal/config"
	"tradingbus/pkg/types"
)

// Ranker periodically scores the engine's configured symbols by a
// composite opportunity metric:
//
//	score = spread × √(volume24h) × min(liquidity/10000, 1)
//
// Unlike the teacher's market.Scanner — which discovered new markets by
// paging through Polymarket's Gamma API — this engine trades a fixed
// symbol list declared in config (spec.md §6 "symbols"), so there is
// nothing to discover. Ranker keeps the teacher's scoring and sort logic
// and repurposes it to prioritize which of the already-configured symbols
// strategy workers should favor for capital allocation, fed by a
// pluggable StatsProvider instead of a Gamma-API HTTP call.

// SymbolStats is one symbol's current market-quality inputs, normally
// sourced from that symbol's live market.Book plus exchange-reported
// 24h volume.
type SymbolStats struct {
	Symbol    string
	BestBid   float64
	BestAsk   float64
	Volume24h float64
	Liquidity float64 // USD resting within a few ticks of mid
}

// RankedSymbol pairs a symbol with its opportunity score and position cap.
type RankedSymbol struct {
	Symbol         types.SymbolInfo
	MaxPositionUSD float64
	Score          float64
}

// ScanResult is one ranking pass over all configured symbols.
type ScanResult struct {
	Symbols   []RankedSymbol
	ScannedAt time.Time
}

// StatsProvider fetches the current book-derived stats for the given
// symbols. Implementations typically read from the engine's live
// market.Book instances and the exchange client's cached ticker data.
type StatsProvider func(ctx context.Context, symbols []config.SymbolConfig) ([]SymbolStats, error)

// Ranker runs the periodic scoring loop.
type Ranker struct {
	symbols        []config.SymbolConfig
	maxPositionUSD map[string]float64 // per-symbol cap, from risk.PerSymbolLimits
	pollInterval   time.Duration
	provider       StatsProvider
	logger         *slog.Logger
	resultCh       chan ScanResult
}

// NewRanker creates a symbol ranker over the engine's configured symbols.
func NewRanker(symbols []config.SymbolConfig, pollInterval time.Duration, maxPositionUSD map[string]float64, provider StatsProvider, logger *slog.Logger) *Ranker {
	return &Ranker{
		symbols:        symbols,
		maxPositionUSD: maxPositionUSD,
		pollInterval:   pollInterval,
		provider:       provider,
		logger:         logger.With("component", "ranker"),
		resultCh:       make(chan ScanResult, 1),
	}
}

// Results returns the channel consumers read ranked symbols from.
func (r *Ranker) Results() <-chan ScanResult {
	return r.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (r *Ranker) Run(ctx context.Context) {
	r.scan(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *Ranker) scan(ctx context.Context) {
	stats, err := r.provider(ctx, r.symbols)
	if err != nil {
		r.logger.Error("rank scan failed", "error", err)
		return
	}

	ranked := r.rankSymbols(stats)

	result := ScanResult{Symbols: ranked, ScannedAt: time.Now()}
	r.logger.Debug("rank scan complete", "symbols", len(ranked))

	// Non-blocking send, replacing any stale unread result.
	select {
	case r.resultCh <- result:
	default:
		select {
		case <-r.resultCh:
		default:
		}
		r.resultCh <- result
	}
}

// rankSymbols scores and sorts symbols by opportunity quality. score =
// spread × √volume × liquidityFactor, where liquidityFactor is capped at
// 1.0 (10k USD liquidity saturates the bonus) — unchanged from the
// teacher's market-ranking formula.
func (r *Ranker) rankSymbols(stats []SymbolStats) []RankedSymbol {
	cfgBySymbol := make(map[string]config.SymbolConfig, len(r.symbols))
	for _, s := range r.symbols {
		cfgBySymbol[s.Name] = s
	}

	type scored struct {
		stat  SymbolStats
		score float64
	}

	scoredSymbols := make([]scored, 0, len(stats))
	for _, st := range stats {
		spread := st.BestAsk - st.BestBid
		if spread < 0 {
			spread = 0
		}
		liquidityFactor := math.Min(st.Liquidity/10000.0, 1.0)
		score := spread * math.Sqrt(math.Max(st.Volume24h, 0)) * liquidityFactor
		scoredSymbols = append(scoredSymbols, scored{stat: st, score: score})
	}

	sort.Slice(scoredSymbols, func(i, j int) bool {
		return scoredSymbols[i].score > scoredSymbols[j].score
	})

	result := make([]RankedSymbol, len(scoredSymbols))
	for i, sm := range scoredSymbols {
		cfg := cfgBySymbol[sm.stat.Symbol]
		mid := (sm.stat.BestBid + sm.stat.BestAsk) / 2
		result[i] = RankedSymbol{
			Symbol: types.SymbolInfo{
				Symbol:    sm.stat.Symbol,
				Exchange:  cfg.Exchange,
				TickSize:  cfg.TickSize,
				LotSize:   cfg.LotSize,
				Active:    true,
				BestBid:   sm.stat.BestBid,
				BestAsk:   sm.stat.BestAsk,
				Spread:    sm.stat.BestAsk - sm.stat.BestBid,
				LastPrice: mid,
				Volume24h: sm.stat.Volume24h,
			},
			MaxPositionUSD: r.maxPositionUSD[sm.stat.Symbol],
			Score:          sm.score,
		}
	}

	return result
}
