package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/indicators"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// DataProvider is the cache-backed data plane; *datastore.Store in production
type DataProvider interface {
	Get(ctx context.Context, query *models.DataQuery) (*models.CachedEntry, error)
}

// DataCollector fills the analysis state's input buckets before agents run
type DataCollector struct {
	data DataProvider
	calc *indicators.Calculator
}

// NewDataCollector creates the collector
func NewDataCollector(data DataProvider) *DataCollector {
	return &DataCollector{
		data: data,
		calc: indicators.NewCalculator(),
	}
}

// kindCategories maps an analysis kind to the categories it loads. The first
// entry is the kind's primary category; losing it in fundamentals or
// technical runs aborts the analysis, everything else degrades best-effort.
var kindCategories = map[models.AnalysisKind][]models.DataCategory{
	models.KindFundamentals: {
		models.CategoryFundamentals,
		models.CategoryBasicInfo,
		models.CategoryPriceData,
	},
	models.KindTechnical: {
		models.CategoryPriceData,
		models.CategoryBasicInfo,
	},
	models.KindNews: {
		models.CategoryNews,
		models.CategoryBasicInfo,
	},
	models.KindComprehensive: {
		models.CategoryPriceData,
		models.CategoryBasicInfo,
		models.CategoryFundamentals,
		models.CategoryNews,
	},
	models.KindDebate: {
		models.CategoryPriceData,
		models.CategoryBasicInfo,
		models.CategoryFundamentals,
		models.CategoryNews,
	},
}

// Collect loads every category the analysis kind needs and derives the
// technical indicator summary from the price bars.
func (c *DataCollector) Collect(ctx context.Context, state *models.AnalysisState) error {
	categories, ok := kindCategories[state.Kind]
	if !ok {
		return models.NewError(models.ErrValidation, fmt.Sprintf("no data plan for analysis kind %q", state.Kind))
	}

	terminal := state.Kind == models.KindFundamentals || state.Kind == models.KindTechnical

	for i, category := range categories {
		entry, err := c.data.Get(ctx, &models.DataQuery{
			Symbol:   state.Symbol,
			Market:   state.Market,
			Category: category,
			EndDate:  state.CurrentDate,
		})
		if err != nil {
			if terminal && i == 0 {
				return fmt.Errorf("failed to collect %s data: %w", category, err)
			}
			logger.Warn("⚠️ Data category unavailable, continuing without it",
				zap.String("symbol", state.Symbol),
				zap.String("category", string(category)),
				zap.Error(err))
			state.AppendError(fmt.Sprintf("%s data unavailable: %v", category, err))
			continue
		}
		c.fill(state, entry.Payload)
	}

	if len(state.Data.PriceBars) > 0 {
		snapshot, err := c.calc.Calculate(state.Data.PriceBars)
		if err != nil {
			state.AppendError(fmt.Sprintf("technical indicators skipped: %v", err))
		} else {
			state.Data.Technical = snapshot.Summary()
		}
	}

	logger.Info("📊 Market data collected",
		zap.String("symbol", state.Symbol),
		zap.String("kind", string(state.Kind)),
		zap.Int("price_bars", len(state.Data.PriceBars)),
		zap.Int("news", len(state.Data.News)))
	return nil
}

func (c *DataCollector) fill(state *models.AnalysisState, payload *models.DataRecordSet) {
	if payload == nil {
		return
	}
	if payload.Info != nil {
		state.Data.Info = payload.Info
		if state.CompanyName == "" {
			state.CompanyName = payload.Info.Name
		}
	}
	if len(payload.PriceBars) > 0 {
		state.Data.PriceBars = payload.PriceBars
	}
	if payload.Fundamentals != nil {
		state.Data.Fundamentals = payload.Fundamentals
	}
	if len(payload.News) > 0 {
		state.Data.News = payload.News
	}
}
