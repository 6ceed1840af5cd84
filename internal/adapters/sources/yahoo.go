package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/stock-agents/pkg/models"
)

const yahooChartURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

// YahooSource serves US and HK daily bars and basic info via the public
// chart endpoint. Keyless, generous limits, but occasionally stale for HK.
type YahooSource struct {
	client *http.Client
}

// NewYahooSource creates the Yahoo Finance adapter
func NewYahooSource() *YahooSource {
	return &YahooSource{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *YahooSource) Tag() models.SourceTag { return models.SourceYahoo }

func (s *YahooSource) Supports(market models.Market, category models.DataCategory) bool {
	return supports(
		[]models.Market{models.MarketUS, models.MarketHK},
		[]models.DataCategory{models.CategoryBasicInfo, models.CategoryPriceData},
		market, category,
	)
}

func (s *YahooSource) RateLimitPerMinute() int { return 60 }

func (s *YahooSource) Timeout() time.Duration { return 10 * time.Second }

func (s *YahooSource) IsEnabled() bool { return true }

// HealthCheck probes a liquid index symbol
func (s *YahooSource) HealthCheck(ctx context.Context) error {
	_, err := s.fetchChart(ctx, "SPY", "1d")
	return err
}

func (s *YahooSource) Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	switch query.Category {
	case models.CategoryBasicInfo, models.CategoryPriceData:
	default:
		return nil, models.NewError(models.ErrValidation, fmt.Sprintf("yahoo does not serve category %s", query.Category))
	}

	rng := "3mo"
	if query.Category == models.CategoryBasicInfo {
		rng = "1d"
	}

	chart, err := s.fetchChart(ctx, yahooSymbol(query.Symbol, query.Market), rng)
	if err != nil {
		return nil, err
	}

	set := &models.DataRecordSet{Meta: stamp(s.Tag(), query)}

	if query.Category == models.CategoryBasicInfo {
		set.Info = &models.StockInfo{
			Symbol:   query.Symbol,
			Name:     chart.Meta.LongName,
			Market:   query.Market,
			Currency: chart.Meta.Currency,
		}
		return set, nil
	}

	bars := make([]models.PriceBar, 0, len(chart.Timestamps))
	for i, ts := range chart.Timestamps {
		if i >= len(chart.Quote.Close) {
			break
		}
		date := time.Unix(ts, 0).UTC().Format("2006-01-02")
		if query.StartDate != "" && date < query.StartDate {
			continue
		}
		if query.EndDate != "" && date > query.EndDate {
			continue
		}
		bars = append(bars, models.PriceBar{
			Date:   date,
			Open:   decimal.NewFromFloat(chart.Quote.Open[i]),
			High:   decimal.NewFromFloat(chart.Quote.High[i]),
			Low:    decimal.NewFromFloat(chart.Quote.Low[i]),
			Close:  decimal.NewFromFloat(chart.Quote.Close[i]),
			Volume: decimal.NewFromFloat(chart.Quote.Volume[i]),
		})
	}
	set.PriceBars = bars
	return set, nil
}

type yahooChart struct {
	Meta struct {
		Currency string `json:"currency"`
		LongName string `json:"longName"`
	}
	Timestamps []int64
	Quote      struct {
		Open   []float64
		High   []float64
		Low    []float64
		Close  []float64
		Volume []float64
	}
}

func (s *YahooSource) fetchChart(ctx context.Context, symbol, rng string) (*yahooChart, error) {
	url := fmt.Sprintf("%s%s?range=%s&interval=1d", yahooChartURL, symbol, rng)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Yahoo rejects the default Go user agent
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; stock-agents/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, "yahoo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, models.NewError(models.ErrRateLimit, "yahoo throttled the request")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, models.NewError(models.ErrNotFound, "unknown symbol")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.ErrUnavailable, fmt.Sprintf("yahoo status %d", resp.StatusCode))
	}

	var payload struct {
		Chart struct {
			Result []struct {
				Meta struct {
					Currency string `json:"currency"`
					LongName string `json:"longName"`
				} `json:"meta"`
				Timestamp  []int64 `json:"timestamp"`
				Indicators struct {
					Quote []struct {
						Open   []float64 `json:"open"`
						High   []float64 `json:"high"`
						Low    []float64 `json:"low"`
						Close  []float64 `json:"close"`
						Volume []float64 `json:"volume"`
					} `json:"quote"`
				} `json:"indicators"`
			} `json:"result"`
			Error *struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		} `json:"chart"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode chart: %w", err)
	}

	if payload.Chart.Error != nil {
		return nil, models.NewError(models.ErrNotFound, payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 || len(payload.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, models.NewError(models.ErrNotFound, "empty chart result")
	}

	result := payload.Chart.Result[0]
	chart := &yahooChart{Timestamps: result.Timestamp}
	chart.Meta.Currency = result.Meta.Currency
	chart.Meta.LongName = result.Meta.LongName
	chart.Quote.Open = result.Indicators.Quote[0].Open
	chart.Quote.High = result.Indicators.Quote[0].High
	chart.Quote.Low = result.Indicators.Quote[0].Low
	chart.Quote.Close = result.Indicators.Quote[0].Close
	chart.Quote.Volume = result.Indicators.Quote[0].Volume
	return chart, nil
}

func yahooSymbol(symbol string, market models.Market) string {
	if market == models.MarketHK && !strings.HasSuffix(symbol, ".HK") {
		return symbol + ".HK"
	}
	return symbol
}
