// Package analytics derives aggregate portfolio metrics from stored
// positions.
package analytics

import (
	"math"
	"sort"

	"foliotrack/internal/domain"
)

type Allocation struct {
	Symbol      string  `json:"symbol"`
	MarketValue float64 `json:"market_value"`
	Weight      float64 `json:"weight"` // fraction of total gross market value
}

type PortfolioMetrics struct {
	PositionCount      int          `json:"position_count"`
	TotalMarketValue   float64      `json:"total_market_value"`
	TotalUnrealizedPnL float64      `json:"total_unrealized_pnl"`
	TotalRealizedPnL   float64      `json:"total_realized_pnl"`
	Allocations        []Allocation `json:"allocations"`
}

// Compute aggregates positions into portfolio-level metrics. Weights
// are based on absolute market value so short positions still count
// toward concentration.
func Compute(positions []domain.Position) PortfolioMetrics {
	metrics := PortfolioMetrics{
		PositionCount: len(positions),
		Allocations:   make([]Allocation, 0, len(positions)),
	}

	gross := 0.0
	bySymbol := make(map[string]float64, len(positions))
	for _, p := range positions {
		metrics.TotalMarketValue += p.MarketValue
		metrics.TotalUnrealizedPnL += p.UnrealizedPnL
		metrics.TotalRealizedPnL += p.RealizedPnL
		bySymbol[p.Symbol] += p.MarketValue
		gross += math.Abs(p.MarketValue)
	}

	for symbol, value := range bySymbol {
		weight := 0.0
		if gross > 0 {
			weight = math.Abs(value) / gross
		}
		metrics.Allocations = append(metrics.Allocations, Allocation{
			Symbol:      symbol,
			MarketValue: value,
			Weight:      weight,
		})
	}
	sort.Slice(metrics.Allocations, func(i, j int) bool {
		return metrics.Allocations[i].Weight > metrics.Allocations[j].Weight
	})
	return metrics
}
