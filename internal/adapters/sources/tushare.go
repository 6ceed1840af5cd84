package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

const tushareAPIURL = "https://api.tushare.pro"

// TushareSource speaks the TuShare Pro API for CN-A market data.
// Best coverage for mainland fundamentals and daily bars.
type TushareSource struct {
	token   string
	enabled bool
	client  *http.Client
}

// NewTushareSource creates the TuShare adapter; missing token disables it
func NewTushareSource(token string) *TushareSource {
	return &TushareSource{
		token:   token,
		enabled: token != "",
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (s *TushareSource) Tag() models.SourceTag { return models.SourceTushare }

func (s *TushareSource) Supports(market models.Market, category models.DataCategory) bool {
	return supports(
		[]models.Market{models.MarketCNA},
		[]models.DataCategory{models.CategoryBasicInfo, models.CategoryPriceData, models.CategoryFundamentals},
		market, category,
	)
}

func (s *TushareSource) RateLimitPerMinute() int { return 120 }

func (s *TushareSource) Timeout() time.Duration { return 15 * time.Second }

func (s *TushareSource) IsEnabled() bool { return s.enabled }

// HealthCheck verifies the token is present and the client is usable.
// TuShare bills per call, so a configuration-only probe keeps quota intact.
func (s *TushareSource) HealthCheck(ctx context.Context) error {
	if !s.enabled {
		return models.NewError(models.ErrAuth, "tushare token not configured")
	}
	return nil
}

// tushareRequest is the provider's uniform request envelope
type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

func (s *TushareSource) Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	if !s.enabled {
		return nil, models.NewError(models.ErrAuth, "tushare not configured")
	}

	switch query.Category {
	case models.CategoryBasicInfo:
		return s.fetchBasicInfo(ctx, query)
	case models.CategoryPriceData:
		return s.fetchDaily(ctx, query)
	case models.CategoryFundamentals:
		return s.fetchFundamentals(ctx, query)
	}
	return nil, models.NewError(models.ErrValidation, fmt.Sprintf("tushare does not serve category %s", query.Category))
}

func (s *TushareSource) fetchBasicInfo(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	rows, err := s.call(ctx, &tushareRequest{
		APIName: "stock_basic",
		Token:   s.token,
		Params:  map[string]string{"ts_code": tsCode(query.Symbol)},
		Fields:  "ts_code,name,industry,list_date",
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.NewError(models.ErrNotFound, "symbol not found in stock_basic")
	}

	row := rows[0]
	info := &models.StockInfo{
		Symbol:   query.Symbol,
		Name:     str(row["name"]),
		Market:   models.MarketCNA,
		Industry: str(row["industry"]),
		Currency: "CNY",
		ListDate: str(row["list_date"]),
	}
	return &models.DataRecordSet{Meta: stamp(s.Tag(), query), Info: info}, nil
}

func (s *TushareSource) fetchDaily(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	params := map[string]string{"ts_code": tsCode(query.Symbol)}
	if query.StartDate != "" {
		params["start_date"] = strings.ReplaceAll(query.StartDate, "-", "")
	}
	if query.EndDate != "" {
		params["end_date"] = strings.ReplaceAll(query.EndDate, "-", "")
	}

	rows, err := s.call(ctx, &tushareRequest{
		APIName: "daily",
		Token:   s.token,
		Params:  params,
		Fields:  "trade_date,open,high,low,close,vol,amount",
	})
	if err != nil {
		return nil, err
	}

	bars := make([]models.PriceBar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, models.PriceBar{
			Date:   formatTradeDate(str(row["trade_date"])),
			Open:   dec(row["open"]),
			High:   dec(row["high"]),
			Low:    dec(row["low"]),
			Close:  dec(row["close"]),
			Volume: dec(row["vol"]),
			Amount: dec(row["amount"]),
		})
	}
	return &models.DataRecordSet{Meta: stamp(s.Tag(), query), PriceBars: bars}, nil
}

func (s *TushareSource) fetchFundamentals(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error) {
	rows, err := s.call(ctx, &tushareRequest{
		APIName: "fina_indicator",
		Token:   s.token,
		Params:  map[string]string{"ts_code": tsCode(query.Symbol)},
		Fields:  "end_date,eps,roe,grossprofit_margin,netprofit_margin,debt_to_assets,current_ratio",
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.NewError(models.ErrNotFound, "no fundamentals for symbol")
	}

	row := rows[0]
	ratios := make(map[string]float64)
	for _, key := range []string{"eps", "roe", "grossprofit_margin", "netprofit_margin", "debt_to_assets", "current_ratio"} {
		if v, ok := row[key].(float64); ok {
			ratios[key] = v
		}
	}
	fund := &models.Fundamentals{
		Symbol:     query.Symbol,
		ReportDate: formatTradeDate(str(row["end_date"])),
		Ratios:     ratios,
	}
	return &models.DataRecordSet{Meta: stamp(s.Tag(), query), Fundamentals: fund}, nil
}

// call posts the request envelope and flattens the columnar response
func (s *TushareSource) call(ctx context.Context, req *tushareRequest) ([]map[string]interface{}, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", tushareAPIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, models.WrapError(models.ErrUnavailable, "tushare request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, models.NewError(models.ErrUnavailable,
			fmt.Sprintf("tushare status %d: %s", resp.StatusCode, string(body)))
	}

	var result tushareResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Code != 0 {
		if strings.Contains(result.Msg, "每分钟") || strings.Contains(strings.ToLower(result.Msg), "limit") {
			return nil, models.NewError(models.ErrRateLimit, result.Msg)
		}
		logger.Warn("tushare API error",
			zap.String("api", req.APIName),
			zap.String("msg", result.Msg),
		)
		return nil, models.NewError(models.ErrUnavailable, result.Msg)
	}

	rows := make([]map[string]interface{}, 0, len(result.Data.Items))
	for _, item := range result.Data.Items {
		row := make(map[string]interface{}, len(result.Data.Fields))
		for i, field := range result.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// tsCode maps a 6-digit symbol to TuShare's suffixed code
func tsCode(symbol string) string {
	if strings.Contains(symbol, ".") {
		return symbol
	}
	if strings.HasPrefix(symbol, "6") {
		return symbol + ".SH"
	}
	return symbol + ".SZ"
}

// formatTradeDate converts 20260115 to 2026-01-15
func formatTradeDate(d string) string {
	if len(d) != 8 {
		return d
	}
	return d[:4] + "-" + d[4:6] + "-" + d[6:]
}

func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func dec(v interface{}) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x)
	case string:
		d, err := decimal.NewFromString(x)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}
