package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/stock-agents/pkg/models"
)

const alphaVantageURL = "https://www.alphavantage.co/query"

// AlphaVantageSource serves US daily bars, company overviews and news
// sentiment. The free tier is capped at 5 requests/minute, so it usually
// sits behind faster sources in the priority profile.
type AlphaVantageSource struct {
	apiKey  string
	enabled bool
	client  *http.Client
}

// NewAlphaVantageSource creates the Alpha Vantage adapter
func NewAlphaVantageSource(apiKey string) *AlphaVantageSource {
	return &AlphaVantageSource{
		apiKey:  apiKey,
		enabled: apiKey != "",
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *AlphaVantageSource) Tag() models.SourceTag { return models.SourceAlphaVantage }

func (s *AlphaVantageSource) Supports(market models.Market, category models.DataCategory) bool {
	return supports(
		[]models.Market{models.MarketUS},
		[]models.DataCategory{models.CategoryBasicInfo, models.CategoryPriceData, models.CategoryFundamentals, models.CategoryNews},
		market, category,
	)
}

func (s *AlphaVantageSource) RateLimitPerMinute() int { return 5 }

func (s *AlphaVantageSource) Timeout() time.Duration { return 20 * time.Second }

func (s *AlphaVantageSource) IsEnabled() bool { return s.enabled }

// HealthCheck is configuration-only: free-tier quota is 25 calls/day
func (s *AlphaVantageSource) HealthCheck(ctx context.Context) error {
	if !s.enabled {
		return models.NewError(models.ErrAuth, "alphavantage key not configured")
	}
	return nil
}

func (s *AlphaVantageSource) Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	if !s.enabled {
		return nil, models.NewError(models.ErrAuth, "alphavantage not configured")
	}

	switch query.Category {
	case models.CategoryBasicInfo, models.CategoryFundamentals:
		return s.fetchOverview(ctx, query)
	case models.CategoryPriceData:
		return s.fetchDaily(ctx, query)
	case models.CategoryNews:
		return s.fetchNews(ctx, query)
	}
	return nil, models.NewError(models.ErrValidation, fmt.Sprintf("alphavantage does not serve category %s", query.Category))
}

func (s *AlphaVantageSource) fetchOverview(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	raw, err := s.call(ctx, map[string]string{
		"function": "OVERVIEW",
		"symbol":   query.Symbol,
	})
	if err != nil {
		return nil, err
	}

	var overview map[string]string
	if err := json.Unmarshal(raw, &overview); err != nil {
		return nil, fmt.Errorf("failed to decode overview: %w", err)
	}
	if overview["Symbol"] == "" {
		return nil, models.NewError(models.ErrNotFound, "no overview for symbol")
	}

	set := &models.DataRecordSet{Meta: stamp(s.Tag(), query)}

	if query.Category == models.CategoryBasicInfo {
		set.Info = &models.StockInfo{
			Symbol:   query.Symbol,
			Name:     overview["Name"],
			Market:   models.MarketUS,
			Industry: overview["Industry"],
			Currency: overview["Currency"],
		}
		return set, nil
	}

	ratios := make(map[string]float64)
	for key, field := range map[string]string{
		"pe":             "PERatio",
		"peg":            "PEGRatio",
		"eps":            "EPS",
		"roe":            "ReturnOnEquityTTM",
		"profit_margin":  "ProfitMargin",
		"dividend_yield": "DividendYield",
		"book_value":     "BookValue",
	} {
		if v, err := strconv.ParseFloat(overview[field], 64); err == nil {
			ratios[key] = v
		}
	}
	set.Fundamentals = &models.Fundamentals{
		Symbol:     query.Symbol,
		ReportDate: overview["LatestQuarter"],
		Ratios:     ratios,
	}
	return set, nil
}

func (s *AlphaVantageSource) fetchDaily(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	raw, err := s.call(ctx, map[string]string{
		"function":   "TIME_SERIES_DAILY",
		"symbol":     query.Symbol,
		"outputsize": "compact",
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Series map[string]map[string]string `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode time series: %w", err)
	}
	if len(payload.Series) == 0 {
		return nil, models.NewError(models.ErrNotFound, "no daily series for symbol")
	}

	bars := make([]models.PriceBar, 0, len(payload.Series))
	for date, row := range payload.Series {
		if query.StartDate != "" && date < query.StartDate {
			continue
		}
		if query.EndDate != "" && date > query.EndDate {
			continue
		}
		bars = append(bars, models.PriceBar{
			Date:   date,
			Open:   decFromStr(row["1. open"]),
			High:   decFromStr(row["2. high"]),
			Low:    decFromStr(row["3. low"]),
			Close:  decFromStr(row["4. close"]),
			Volume: decFromStr(row["5. volume"]),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })

	return &models.DataRecordSet{Meta: stamp(s.Tag(), query), PriceBars: bars}, nil
}

func (s *AlphaVantageSource) fetchNews(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	raw, err := s.call(ctx, map[string]string{
		"function": "NEWS_SENTIMENT",
		"tickers":  query.Symbol,
		"limit":    "20",
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Feed []struct {
			Title            string  `json:"title"`
			Summary          string  `json:"summary"`
			URL              string  `json:"url"`
			TimePublished    string  `json:"time_published"` // 20260115T143000
			Source           string  `json:"source"`
			OverallSentiment float64 `json:"overall_sentiment_score"`
		} `json:"feed"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode news: %w", err)
	}

	items := make([]models.NewsItem, 0, len(payload.Feed))
	for _, f := range payload.Feed {
		publishTime, _ := time.Parse("20060102T150405", f.TimePublished)
		sentiment := f.OverallSentiment
		items = append(items, models.NewsItem{
			Title:       f.Title,
			Content:     f.Summary,
			PublishTime: publishTime,
			Source:      f.Source,
			URL:         f.URL,
			Sentiment:   &sentiment,
		})
	}

	return &models.DataRecordSet{Meta: stamp(s.Tag(), query), News: items}, nil
}

func (s *AlphaVantageSource) call(ctx context.Context, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("apikey", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, "GET", alphaVantageURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, "alphavantage request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, models.NewError(models.ErrRateLimit, "alphavantage throttled the request")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.ErrUnavailable, fmt.Sprintf("alphavantage status %d", resp.StatusCode))
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	// The free tier reports throttling inside a 200 response
	var note struct {
		Note        string `json:"Note"`
		Information string `json:"Information"`
	}
	if json.Unmarshal(buf, &note) == nil {
		if note.Note != "" || note.Information != "" {
			return nil, models.NewError(models.ErrRateLimit, "alphavantage quota exhausted")
		}
	}

	return buf, nil
}

func decFromStr(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
