package logic

import (
	"errors"
	"testing"
	"time"

	"github.com/opencollective/ledger/internal/model"
	"github.com/shopspring/decimal"
)

func TestConvertSameCurrency(t *testing.T) {
	provider := newFixedRates(nil)
	resolver := NewCurrencyLogic(provider)

	got, err := resolver.Convert(12345, "USD", "USD", time.Now())
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if got != 12345 {
		t.Errorf("expected 12345, got %d", got)
	}
	if provider.callCount() != 0 {
		t.Errorf("same-currency conversion should not hit the provider, got %d calls", provider.callCount())
	}
}

func TestConvertRounding(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		rate   float64
		want   int64
	}{
		{"round down", 1234, 0.1, 123},
		{"round half up", 999, 0.005, 5},        // 4.995 -> 5
		{"exact", 1050, 0.5, 525},
		{"half rounds away from zero", 3, 1.5, 5}, // 4.5 -> 5
		{"negative mirrors positive", -999, 0.005, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertWithRate(tt.amount, decimal.NewFromFloat(tt.rate))
			if got != tt.want {
				t.Errorf("ConvertWithRate(%d, %v) = %d, want %d", tt.amount, tt.rate, got, tt.want)
			}
		})
	}
}

func TestFxRateMemoization(t *testing.T) {
	provider := newFixedRates(map[string]float64{"EUR:USD": 1.1})
	resolver := NewCurrencyLogic(provider)
	asOf := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if _, err := resolver.Convert(1000, "EUR", "USD", asOf); err != nil {
			t.Fatalf("Convert failed: %v", err)
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", provider.callCount())
	}

	// 不同日期不能复用缓存
	if _, err := resolver.Convert(1000, "EUR", "USD", asOf.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("expected 2 provider calls after date change, got %d", provider.callCount())
	}
}

func TestFxRatesGroupsByBaseCurrency(t *testing.T) {
	provider := newFixedRates(map[string]float64{
		"USD:EUR": 0.9,
		"USD:GBP": 0.8,
		"USD:JPY": 150,
	})
	resolver := NewCurrencyLogic(provider)

	rates, err := resolver.FxRates("USD", []string{"EUR", "GBP", "JPY", "USD"}, time.Now())
	if err != nil {
		t.Fatalf("FxRates failed: %v", err)
	}
	if len(rates) != 4 {
		t.Fatalf("expected 4 rates, got %d", len(rates))
	}
	if !rates["USD"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("identity rate should be 1, got %v", rates["USD"])
	}
	if provider.callCount() != 1 {
		t.Errorf("expected a single grouped provider call, got %d", provider.callCount())
	}
}

func TestFxRateMissingRateSurfacesError(t *testing.T) {
	resolver := NewCurrencyLogic(newFixedRates(nil))

	_, err := resolver.Convert(1000, "EUR", "USD", time.Now())
	if !errors.Is(err, ErrRateNotFound) {
		t.Errorf("expected ErrRateNotFound, got %v", err)
	}
}

func TestDBRateProviderPicksLatestBeforeDate(t *testing.T) {
	db := setupTestDB(t)

	rows := []model.CurrencyExchangeRate{
		{FromCurrency: "EUR", ToCurrency: "USD", Rate: decimal.NewFromFloat(1.05), AsOf: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{FromCurrency: "EUR", ToCurrency: "USD", Rate: decimal.NewFromFloat(1.10), AsOf: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
		{FromCurrency: "EUR", ToCurrency: "USD", Rate: decimal.NewFromFloat(1.20), AsOf: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed rates: %v", err)
	}

	provider := NewDBRateProvider(db)
	rates, err := provider.FetchRates("EUR", []string{"USD"}, time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchRates failed: %v", err)
	}
	if !rates["USD"].Equal(decimal.NewFromFloat(1.10)) {
		t.Errorf("expected rate 1.10, got %v", rates["USD"])
	}

	// 早于最早快照的日期没有汇率
	_, err = provider.FetchRates("EUR", []string{"USD"}, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrRateNotFound) {
		t.Errorf("expected ErrRateNotFound, got %v", err)
	}
}
