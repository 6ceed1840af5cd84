package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/stock-agents/internal/sentiment"
	"github.com/selivandex/stock-agents/pkg/models"
)

const (
	sinaQuoteURL = "https://hq.sinajs.cn/list="
	sinaNewsURL  = "https://feed.mix.sina.com.cn/api/roll/get"
)

// SinaSource fetches realtime quotes and financial news from Sina Finance.
// Free, no credentials, but quote payloads are positional CSV-ish strings.
type SinaSource struct {
	client   *http.Client
	analyzer *sentiment.Analyzer
}

// NewSinaSource creates the Sina adapter (always enabled, keyless)
func NewSinaSource() *SinaSource {
	return &SinaSource{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		analyzer: sentiment.NewAnalyzer(),
	}
}

func (s *SinaSource) Tag() models.SourceTag { return models.SourceSina }

func (s *SinaSource) Supports(market models.Market, category models.DataCategory) bool {
	return supports(
		[]models.Market{models.MarketCNA, models.MarketHK},
		[]models.DataCategory{models.CategoryBasicInfo, models.CategoryPriceData, models.CategoryNews},
		market, category,
	)
}

func (s *SinaSource) RateLimitPerMinute() int { return 60 }

func (s *SinaSource) Timeout() time.Duration { return 10 * time.Second }

func (s *SinaSource) IsEnabled() bool { return true }

// HealthCheck fetches a single index quote, the cheapest real request
func (s *SinaSource) HealthCheck(ctx context.Context) error {
	_, err := s.fetchRaw(ctx, "s_sh000001")
	return err
}

func (s *SinaSource) Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	switch query.Category {
	case models.CategoryBasicInfo, models.CategoryPriceData:
		return s.fetchQuote(ctx, query)
	case models.CategoryNews:
		return s.fetchNews(ctx, query)
	}
	return nil, models.NewError(models.ErrValidation, fmt.Sprintf("sina does not serve category %s", query.Category))
}

// fetchQuote retrieves the realtime quote line and normalizes it. Sina only
// gives the current snapshot, so price_data yields a single bar for today.
func (s *SinaSource) fetchQuote(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	code := sinaCode(query.Symbol, query.Market)
	raw, err := s.fetchRaw(ctx, code)
	if err != nil {
		return nil, err
	}

	fields := strings.Split(raw, ",")
	if len(fields) < 9 {
		return nil, models.NewError(models.ErrNotFound, "empty quote for symbol")
	}

	set := &models.DataRecordSet{Meta: stamp(s.Tag(), query)}

	if query.Category == models.CategoryBasicInfo {
		currency := "CNY"
		if query.Market == models.MarketHK {
			currency = "HKD"
		}
		set.Info = &models.StockInfo{
			Symbol:   query.Symbol,
			Name:     fields[0],
			Market:   query.Market,
			Currency: currency,
		}
		return set, nil
	}

	// CN-A layout: name, open, prev_close, price, high, low, ..., volume(8), amount(9), ..., date(30)
	parse := func(i int) decimal.Decimal {
		if i >= len(fields) {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(strings.TrimSpace(fields[i]))
		if err != nil {
			return decimal.Zero
		}
		return d
	}

	date := time.Now().Format("2006-01-02")
	if len(fields) > 30 && fields[30] != "" {
		date = fields[30]
	}

	set.PriceBars = []models.PriceBar{{
		Date:   date,
		Open:   parse(1),
		High:   parse(4),
		Low:    parse(5),
		Close:  parse(3),
		Volume: parse(8),
		Amount: parse(9),
	}}
	return set, nil
}

type sinaNewsResponse struct {
	Result struct {
		Data []struct {
			Title string `json:"title"`
			Intro string `json:"intro"`
			URL   string `json:"url"`
			Ctime string `json:"ctime"` // unix seconds as string
			Media string `json:"media_name"`
		} `json:"data"`
	} `json:"result"`
}

func (s *SinaSource) fetchNews(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	limit := query.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	url := fmt.Sprintf("%s?pageid=153&lid=2516&num=%d&page=1", sinaNewsURL, limit)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, "sina news request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.ErrUnavailable, fmt.Sprintf("sina news status %d", resp.StatusCode))
	}

	var result sinaNewsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode news: %w", err)
	}

	items := make([]models.NewsItem, 0, len(result.Result.Data))
	for _, d := range result.Result.Data {
		publishTime := time.Now()
		if ts, err := time.Parse("2006-01-02 15:04:05", d.Ctime); err == nil {
			publishTime = ts
		} else if secs := parseUnix(d.Ctime); secs > 0 {
			publishTime = time.Unix(secs, 0)
		}
		item := models.NewsItem{
			Title:       d.Title,
			Content:     d.Intro,
			PublishTime: publishTime,
			Source:      d.Media,
			URL:         d.URL,
		}
		// Sina ships no sentiment, score it with the lexicon
		if score, ok := s.analyzer.Score(d.Title + " " + d.Intro); ok {
			item.Sentiment = &score
		}
		items = append(items, item)
	}

	return &models.DataRecordSet{Meta: stamp(s.Tag(), query), News: items}, nil
}

func (s *SinaSource) fetchRaw(ctx context.Context, code string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", sinaQuoteURL+code, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	// Sina rejects requests without a referer since 2021
	req.Header.Set("Referer", "https://finance.sina.com.cn")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", models.WrapError(models.ErrUnavailable, "sina quote request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 456 {
		return "", models.NewError(models.ErrRateLimit, "sina throttled the request")
	}
	if resp.StatusCode != http.StatusOK {
		return "", models.NewError(models.ErrUnavailable, fmt.Sprintf("sina status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	// Response shape: var hq_str_sh600519="贵州茅台,..." ;
	text := string(body)
	start := strings.Index(text, `"`)
	end := strings.LastIndex(text, `"`)
	if start < 0 || end <= start {
		return "", models.NewError(models.ErrNotFound, "malformed quote response")
	}
	return text[start+1 : end], nil
}

func sinaCode(symbol string, market models.Market) string {
	if market == models.MarketHK {
		return "hk" + strings.TrimSuffix(symbol, ".HK")
	}
	if strings.HasPrefix(symbol, "6") {
		return "sh" + symbol
	}
	return "sz" + symbol
}

func parseUnix(s string) int64 {
	var secs int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		secs = secs*10 + int64(r-'0')
	}
	return secs
}
