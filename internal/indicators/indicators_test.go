package indicators

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/selivandex/stock-agents/pkg/models"
)

func generateTestBars(count int, startPrice, drift float64) []models.PriceBar {
	bars := make([]models.PriceBar, count)
	price := startPrice
	for i := 0; i < count; i++ {
		open := price
		price = price * (1 + drift)
		bars[i] = models.PriceBar{
			Date:   fmt.Sprintf("2026-01-%02d", i%28+1),
			Open:   decimal.NewFromFloat(open),
			High:   decimal.NewFromFloat(price * 1.01),
			Low:    decimal.NewFromFloat(open * 0.99),
			Close:  decimal.NewFromFloat(price),
			Volume: decimal.NewFromInt(int64(1000 + i*10)),
		}
	}
	return bars
}

func TestCalculate(t *testing.T) {
	calc := NewCalculator()

	snap, err := calc.Calculate(generateTestBars(50, 100, 0.01))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	// A steady uptrend should read strongly overbought
	if snap.RSI14 < 50 {
		t.Errorf("uptrend RSI = %.2f, expected > 50", snap.RSI14)
	}
	if snap.MACDHist <= 0 {
		t.Errorf("uptrend MACD histogram = %.4f, expected positive", snap.MACDHist)
	}
	if snap.BBUpper <= snap.BBMiddle || snap.BBMiddle <= snap.BBLower {
		t.Errorf("bollinger bands out of order: %.2f / %.2f / %.2f",
			snap.BBUpper, snap.BBMiddle, snap.BBLower)
	}
	if snap.LastClose <= 100 {
		t.Errorf("last close = %.2f, expected above start", snap.LastClose)
	}
}

func TestCalculateInsufficientBars(t *testing.T) {
	calc := NewCalculator()
	if _, err := calc.Calculate(generateTestBars(10, 100, 0.01)); err == nil {
		t.Fatal("expected error for short series")
	}
}

func TestSummary(t *testing.T) {
	calc := NewCalculator()
	snap, err := calc.Calculate(generateTestBars(60, 100, 0.005))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	summary := snap.Summary()
	for _, want := range []string{"RSI(14)", "MACD", "Bollinger", "Volume ratio"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}
