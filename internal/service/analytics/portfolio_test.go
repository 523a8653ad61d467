package analytics

import (
	"math"
	"testing"

	"foliotrack/internal/domain"
)

func TestComputeAggregatesAndWeights(t *testing.T) {
	metrics := Compute([]domain.Position{
		{Symbol: "AAPL", MarketValue: 15000, UnrealizedPnL: 500, RealizedPnL: 100},
		{Symbol: "TSLA", MarketValue: 5000, UnrealizedPnL: -200},
	})

	if metrics.PositionCount != 2 {
		t.Fatalf("expected 2 positions, got %d", metrics.PositionCount)
	}
	if metrics.TotalMarketValue != 20000 {
		t.Fatalf("expected total market value 20000, got %v", metrics.TotalMarketValue)
	}
	if metrics.TotalUnrealizedPnL != 300 {
		t.Fatalf("expected total unrealized pnl 300, got %v", metrics.TotalUnrealizedPnL)
	}
	if len(metrics.Allocations) != 2 || metrics.Allocations[0].Symbol != "AAPL" {
		t.Fatalf("expected AAPL as heaviest allocation, got %#v", metrics.Allocations)
	}
	if math.Abs(metrics.Allocations[0].Weight-0.75) > 1e-9 {
		t.Fatalf("expected AAPL weight 0.75, got %v", metrics.Allocations[0].Weight)
	}
}

func TestComputeShortPositionsCountTowardConcentration(t *testing.T) {
	metrics := Compute([]domain.Position{
		{Symbol: "AAPL", MarketValue: 10000},
		{Symbol: "TSLA", MarketValue: -10000},
	})
	if metrics.TotalMarketValue != 0 {
		t.Fatalf("expected net market value 0, got %v", metrics.TotalMarketValue)
	}
	for _, a := range metrics.Allocations {
		if math.Abs(a.Weight-0.5) > 1e-9 {
			t.Fatalf("expected weight 0.5 for %s, got %v", a.Symbol, a.Weight)
		}
	}
}

func TestComputeEmptyPortfolio(t *testing.T) {
	metrics := Compute(nil)
	if metrics.PositionCount != 0 || len(metrics.Allocations) != 0 {
		t.Fatalf("unexpected metrics for empty portfolio: %#v", metrics)
	}
}
