package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataCategory controls cache TTL and source priority lists
type DataCategory string

const (
	CategoryBasicInfo    DataCategory = "basic_info"
	CategoryPriceData    DataCategory = "price_data"
	CategoryFundamentals DataCategory = "fundamentals"
	CategoryNews         DataCategory = "news"
	CategoryTechnical    DataCategory = "technical"
)

// AllCategories lists every known category
var AllCategories = []DataCategory{
	CategoryBasicInfo,
	CategoryPriceData,
	CategoryFundamentals,
	CategoryNews,
	CategoryTechnical,
}

// ValidCategory reports whether s names a known category
func ValidCategory(s string) bool {
	for _, c := range AllCategories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// SourceTag identifies a data-source adapter
type SourceTag string

const (
	SourceTushare      SourceTag = "tushare"
	SourceSina         SourceTag = "sina"
	SourceAlphaVantage SourceTag = "alphavantage"
	SourceYahoo        SourceTag = "yahoo"
	SourceLegacy       SourceTag = "legacy"
)

// SourceStatus is the per-process health of a data source
type SourceStatus string

const (
	SourceAvailable   SourceStatus = "AVAILABLE"
	SourceUnavailable SourceStatus = "UNAVAILABLE"
	SourceRateLimited SourceStatus = "RATE_LIMITED"
	SourceError       SourceStatus = "ERROR"
)

// RecordMeta stamps provenance onto every normalized record set
type RecordMeta struct {
	Source    SourceTag    `json:"source"`
	Symbol    string       `json:"symbol"`
	Market    Market       `json:"market_type"`
	Category  DataCategory `json:"category"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// StockInfo is the normalized basic-info record
type StockInfo struct {
	Symbol   string `json:"symbol" db:"symbol"`
	Name     string `json:"name" db:"name"`
	Market   Market `json:"market" db:"market"`
	Industry string `json:"industry,omitempty" db:"industry"`
	Currency string `json:"currency,omitempty" db:"currency"`
	ListDate string `json:"list_date,omitempty" db:"list_date"`
}

// PriceBar is one normalized OHLCV bar
type PriceBar struct {
	Date   string          `json:"date" db:"date"`
	Open   decimal.Decimal `json:"open" db:"open"`
	High   decimal.Decimal `json:"high" db:"high"`
	Low    decimal.Decimal `json:"low" db:"low"`
	Close  decimal.Decimal `json:"close" db:"close"`
	Volume decimal.Decimal `json:"volume" db:"volume"`
	Amount decimal.Decimal `json:"amount,omitempty" db:"amount"`
}

// Fundamentals is one normalized fundamentals snapshot
type Fundamentals struct {
	Symbol     string             `json:"symbol" db:"symbol"`
	ReportDate string             `json:"report_date" db:"report_date"`
	Ratios     map[string]float64 `json:"ratios"`
}

// NewsItem is one normalized news or social record
type NewsItem struct {
	Title       string    `json:"title" db:"title"`
	Content     string    `json:"content" db:"content"`
	PublishTime time.Time `json:"publish_time" db:"publish_time"`
	Source      string    `json:"source" db:"source"`
	URL         string    `json:"url,omitempty" db:"url"`
	Sentiment   *float64  `json:"sentiment,omitempty" db:"sentiment"`
}

// DataRecordSet is a federation result: one category payload plus provenance
type DataRecordSet struct {
	Meta         RecordMeta    `json:"meta"`
	Info         *StockInfo    `json:"info,omitempty"`
	PriceBars    []PriceBar    `json:"price_bars,omitempty"`
	Fundamentals *Fundamentals `json:"fundamentals,omitempty"`
	News         []NewsItem    `json:"news,omitempty"`
}

// DataQuery describes what the federation should fetch
type DataQuery struct {
	Symbol    string
	Market    Market
	Category  DataCategory
	StartDate string
	EndDate   string
	Limit     int
}

// CachedEntry is the value stored in both cache tiers
type CachedEntry struct {
	Payload       *DataRecordSet `json:"payload"`
	Source        SourceTag      `json:"source"`
	FetchedAt     time.Time      `json:"fetched_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	SchemaVersion int            `json:"schema_version"`
}

// Fresh reports whether the entry is still usable
func (e *CachedEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// CategoryTTL returns the hot-tier TTL per category
func CategoryTTL(cat DataCategory) time.Duration {
	switch cat {
	case CategoryBasicInfo:
		return 24 * time.Hour
	case CategoryPriceData:
		return time.Hour
	case CategoryFundamentals:
		return 6 * time.Hour
	case CategoryNews:
		return 30 * time.Minute
	case CategoryTechnical:
		return 2 * time.Hour
	default:
		return time.Hour
	}
}
