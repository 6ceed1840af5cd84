package indicators

import (
	"fmt"
	"strings"

	"github.com/cinar/indicator"

	"github.com/selivandex/stock-agents/pkg/models"
)

// minBars is the warmup needed by the slowest indicator (MACD 26)
const minBars = 26

// Snapshot is the latest value of each computed indicator
type Snapshot struct {
	RSI14       float64
	MACD        float64
	MACDSignal  float64
	MACDHist    float64
	BBUpper     float64
	BBMiddle    float64
	BBLower     float64
	SMA20       float64
	EMA12       float64
	LastClose   float64
	VolumeRatio float64 // last volume vs trailing average
}

// Calculator derives technical indicators from daily bars
type Calculator struct{}

// NewCalculator creates the calculator
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate computes the indicator snapshot from chronological bars
func (c *Calculator) Calculate(bars []models.PriceBar) (*Snapshot, error) {
	if len(bars) < minBars {
		return nil, fmt.Errorf("insufficient bars for indicators (need at least %d, got %d)", minBars, len(bars))
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i], _ = bar.Close.Float64()
		volumes[i], _ = bar.Volume.Float64()
	}

	_, rsi := indicator.Rsi(closes)
	if len(rsi) == 0 {
		return nil, fmt.Errorf("RSI returned no data")
	}

	macdLine, signalLine := indicator.Macd(closes)
	bbMiddle, bbUpper, bbLower := indicator.BollingerBands(closes)
	sma := indicator.Sma(20, closes)
	ema := indicator.Ema(12, closes)

	volumeAvg := average(volumes)
	volumeRatio := 0.0
	if volumeAvg > 0 {
		volumeRatio = volumes[len(volumes)-1] / volumeAvg
	}

	last := len(closes) - 1
	return &Snapshot{
		RSI14:       rsi[last],
		MACD:        macdLine[last],
		MACDSignal:  signalLine[last],
		MACDHist:    macdLine[last] - signalLine[last],
		BBUpper:     bbUpper[last],
		BBMiddle:    bbMiddle[last],
		BBLower:     bbLower[last],
		SMA20:       sma[last],
		EMA12:       ema[last],
		LastClose:   closes[last],
		VolumeRatio: volumeRatio,
	}, nil
}

// Summary renders the snapshot as prompt-ready text
func (s *Snapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Close: %.2f\n", s.LastClose)
	fmt.Fprintf(&b, "RSI(14): %.2f (%s)\n", s.RSI14, rsiLabel(s.RSI14))
	fmt.Fprintf(&b, "MACD: %.4f Signal: %.4f Histogram: %.4f (%s)\n",
		s.MACD, s.MACDSignal, s.MACDHist, macdLabel(s.MACDHist))
	fmt.Fprintf(&b, "Bollinger: upper %.2f / middle %.2f / lower %.2f\n",
		s.BBUpper, s.BBMiddle, s.BBLower)
	fmt.Fprintf(&b, "SMA(20): %.2f EMA(12): %.2f\n", s.SMA20, s.EMA12)
	fmt.Fprintf(&b, "Volume ratio vs average: %.2fx\n", s.VolumeRatio)
	return b.String()
}

func rsiLabel(rsi float64) string {
	switch {
	case rsi >= 70:
		return "overbought"
	case rsi <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func macdLabel(hist float64) string {
	if hist > 0 {
		return "bullish"
	}
	if hist < 0 {
		return "bearish"
	}
	return "flat"
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
