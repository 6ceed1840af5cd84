package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/stock-agents/pkg/models"
)

// stubRenderer stands in for the template manager; the system half carries
// the template name so the scripted LLM can answer per role.
type stubRenderer struct{}

func (stubRenderer) GetTemplate(name string) *template.Template { return nil }
func (stubRenderer) TemplateExists(name string) bool            { return true }
func (stubRenderer) ExecuteTemplate(name string, data any) (string, error) {
	ctx := ""
	if m, ok := data.(map[string]interface{}); ok {
		ctx, _ = m["Context"].(string)
	}
	return "prompt:" + name + "\n=== USER PROMPT ===\n" + ctx, nil
}

// scriptedLLM answers per template name and records the call order
type scriptedLLM struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func templateOf(req *models.CompletionRequest) string {
	for _, msg := range req.Messages {
		if msg.Role == "system" && strings.HasPrefix(msg.Content, "prompt:") {
			return strings.TrimPrefix(strings.SplitN(msg.Content, "\n", 2)[0], "prompt:")
		}
	}
	return ""
}

func (s *scriptedLLM) Complete(ctx context.Context, req *models.CompletionRequest) (*models.Completion, error) {
	name := templateOf(req)
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()

	if err := s.fail[name]; err != nil {
		return nil, err
	}

	var content string
	switch name {
	case "risk_manager.tmpl":
		content = "Downside is real but bounded.\nLEVEL: high\nSCORE: 7.5"
	case "report_gen.tmpl":
		content = "Constructive setup overall.\nACTION: buy\nCONFIDENCE: 0.8\nTARGET_PRICE: 210.5\nREASONING: momentum with improving earnings"
	default:
		content = "analysis from " + name
	}
	return &models.Completion{
		Content: content,
		Model:   "scripted",
		Usage:   models.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

// fakeProvider serves canned cache entries per category
type fakeProvider struct {
	fail map[models.DataCategory]error
}

func testBars(count int) []models.PriceBar {
	bars := make([]models.PriceBar, count)
	price := 100.0
	for i := 0; i < count; i++ {
		open := price
		price *= 1.005
		bars[i] = models.PriceBar{
			Date:   fmt.Sprintf("2026-02-%02d", i%28+1),
			Open:   decimal.NewFromFloat(open),
			High:   decimal.NewFromFloat(price * 1.01),
			Low:    decimal.NewFromFloat(open * 0.99),
			Close:  decimal.NewFromFloat(price),
			Volume: decimal.NewFromInt(int64(1000 + i)),
		}
	}
	return bars
}

func (f *fakeProvider) Get(ctx context.Context, query *models.DataQuery) (*models.CachedEntry, error) {
	if err := f.fail[query.Category]; err != nil {
		return nil, err
	}
	payload := &models.DataRecordSet{
		Meta: models.RecordMeta{
			Source:   models.SourceYahoo,
			Symbol:   query.Symbol,
			Market:   query.Market,
			Category: query.Category,
		},
	}
	switch query.Category {
	case models.CategoryBasicInfo:
		payload.Info = &models.StockInfo{Symbol: query.Symbol, Name: "Test Corp", Market: query.Market, Industry: "Technology"}
	case models.CategoryPriceData:
		payload.PriceBars = testBars(40)
	case models.CategoryFundamentals:
		payload.Fundamentals = &models.Fundamentals{
			Symbol:     query.Symbol,
			ReportDate: "2026-06-30",
			Ratios:     map[string]float64{"pe": 18.2, "roe": 0.21},
		}
	case models.CategoryNews:
		payload.News = []models.NewsItem{{
			Title:       "Test Corp beats estimates",
			Content:     "Quarterly revenue above consensus.",
			PublishTime: time.Now().Add(-2 * time.Hour),
			Source:      "wire",
		}}
	}
	return &models.CachedEntry{
		Payload:       payload,
		Source:        models.SourceYahoo,
		FetchedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
		SchemaVersion: 1,
	}, nil
}

func newTestEngine(llm *scriptedLLM, provider *fakeProvider) *Engine {
	invoker := NewInvoker(llm, stubRenderer{}, nil)
	return NewEngine(NewDataCollector(provider), invoker, nil)
}

func baseRequest(kind models.AnalysisKind) *models.AnalysisRequest {
	return &models.AnalysisRequest{
		Symbol:       "AAPL",
		Market:       models.MarketUS,
		AnalysisDate: "2026-08-20",
		Kind:         kind,
	}
}

func TestFundamentalsGraph(t *testing.T) {
	llm := &scriptedLLM{}
	engine := newTestEngine(llm, &fakeProvider{})

	result, err := engine.Run(context.Background(), baseRequest(models.KindFundamentals))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantSteps := []models.AgentRole{
		models.RoleDataCollect,
		models.RoleFundamentalsAnalyst,
		models.RoleReportGen,
	}
	if len(result.CompletedSteps) != len(wantSteps) {
		t.Fatalf("completed steps = %v, want %v", result.CompletedSteps, wantSteps)
	}
	for i, step := range wantSteps {
		if result.CompletedSteps[i] != step {
			t.Errorf("step[%d] = %s, want %s", i, result.CompletedSteps[i], step)
		}
	}
	if result.Reports[models.SlotFundamentals] == "" {
		t.Error("fundamentals report missing")
	}
	if result.Final == nil || result.Final.Action != "buy" {
		t.Errorf("final = %+v, want buy", result.Final)
	}
	if result.Final.TargetPrice != 210.5 {
		t.Errorf("target price = %f, want 210.5", result.Final.TargetPrice)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestFundamentalsGraphWithRisk(t *testing.T) {
	llm := &scriptedLLM{}
	engine := newTestEngine(llm, &fakeProvider{})

	req := baseRequest(models.KindFundamentals)
	req.Parameters.EnableRisk = true
	result, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.RiskResult == nil {
		t.Fatal("risk assessment missing")
	}
	if result.RiskResult.Level != "high" || result.RiskResult.Score != 7.5 {
		t.Errorf("risk = %+v, want high/7.5", result.RiskResult)
	}
	if result.Reports[models.SlotRiskAssessment] == "" {
		t.Error("risk assessment slot missing")
	}
}

func TestComprehensiveWithDebate(t *testing.T) {
	llm := &scriptedLLM{}
	engine := newTestEngine(llm, &fakeProvider{})

	req := baseRequest(models.KindComprehensive)
	req.Parameters.EnableDebate = true
	req.Parameters.MaxDebateRounds = 2
	result, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.DebateHistory) != 4 {
		t.Fatalf("debate history length = %d, want 4", len(result.DebateHistory))
	}
	wantSpeakers := []models.AgentRole{
		models.RoleBullResearcher, models.RoleBearResearcher,
		models.RoleBullResearcher, models.RoleBearResearcher,
	}
	wantRounds := []int{1, 1, 2, 2}
	for i, turn := range result.DebateHistory {
		if turn.Speaker != wantSpeakers[i] {
			t.Errorf("turn[%d] speaker = %s, want %s", i, turn.Speaker, wantSpeakers[i])
		}
		if turn.Round != wantRounds[i] {
			t.Errorf("turn[%d] round = %d, want %d", i, turn.Round, wantRounds[i])
		}
	}

	// All three analysts merged through their disjoint slots
	for _, slot := range []models.ReportSlot{models.SlotFundamentals, models.SlotTechnical, models.SlotNews} {
		if result.Reports[slot] == "" {
			t.Errorf("report slot %s missing after fan-out", slot)
		}
	}
	if result.Reports[models.SlotBull] == "" || result.Reports[models.SlotBear] == "" {
		t.Error("debate theses not folded into report slots")
	}
	if result.RiskResult == nil {
		t.Error("risk assessment missing")
	}
	if result.Reports[models.SlotInvestmentPlan] == "" || result.Reports[models.SlotTradeDecision] == "" {
		t.Error("research manager or trader output missing")
	}
	if result.Final == nil || result.Final.Action == "" {
		t.Error("final recommendation missing")
	}
}

func TestRiskRotation(t *testing.T) {
	llm := &scriptedLLM{}
	engine := newTestEngine(llm, &fakeProvider{})

	req := baseRequest(models.KindComprehensive)
	req.Parameters.EnableRisk = true
	req.Parameters.MaxRiskRounds = 2
	result, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.RiskHistory) != 6 {
		t.Fatalf("risk history length = %d, want 6", len(result.RiskHistory))
	}
	wantCycle := []models.AgentRole{
		models.RoleRiskyDebator, models.RoleSafeDebator, models.RoleNeutralDebator,
	}
	for i, turn := range result.RiskHistory {
		if turn.Speaker != wantCycle[i%3] {
			t.Errorf("risk turn[%d] speaker = %s, want %s", i, turn.Speaker, wantCycle[i%3])
		}
		if want := i/3 + 1; turn.Round != want {
			t.Errorf("risk turn[%d] round = %d, want %d", i, turn.Round, want)
		}
	}
	for _, slot := range []models.ReportSlot{models.SlotRisky, models.SlotSafe, models.SlotNeutral} {
		if result.Reports[slot] == "" {
			t.Errorf("risk stance slot %s missing", slot)
		}
	}
}

func TestConsensusEndsDebateEarly(t *testing.T) {
	llm := &scriptedLLM{}
	engine := newTestEngine(llm, &fakeProvider{})
	engine.SetConsensus(func(*models.AnalysisState) bool { return true })

	req := baseRequest(models.KindDebate)
	req.Parameters.MaxDebateRounds = 5
	result, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Consensus may only fire once both sides argued twice
	if len(result.DebateHistory) != 4 {
		t.Errorf("debate history length = %d, want 4 with instant consensus", len(result.DebateHistory))
	}
}

func TestAgentFailureIsBestEffort(t *testing.T) {
	llm := &scriptedLLM{fail: map[string]error{
		"market_analyst.tmpl": models.NewError(models.ErrUnavailable, "provider down"),
	}}
	engine := newTestEngine(llm, &fakeProvider{})

	result, err := engine.Run(context.Background(), baseRequest(models.KindComprehensive))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Errors) == 0 {
		t.Error("expected recorded error for failed analyst")
	}
	if result.Reports[models.SlotTechnical] != "" {
		t.Error("failed analyst should not have written its slot")
	}
	if result.Reports[models.SlotFundamentals] == "" || result.Reports[models.SlotNews] == "" {
		t.Error("healthy analysts should still report")
	}
	if result.Final == nil {
		t.Error("final recommendation missing despite best-effort mode")
	}
}

func TestDataCollectFailureIsTerminal(t *testing.T) {
	provider := &fakeProvider{fail: map[models.DataCategory]error{
		models.CategoryFundamentals: models.NewError(models.ErrUnavailable, "all sources down"),
	}}
	engine := newTestEngine(&scriptedLLM{}, provider)

	if _, err := engine.Run(context.Background(), baseRequest(models.KindFundamentals)); err == nil {
		t.Fatal("expected terminal error when the primary category is lost")
	}
}

func TestDataCollectDegradesForComprehensive(t *testing.T) {
	provider := &fakeProvider{fail: map[models.DataCategory]error{
		models.CategoryNews: models.NewError(models.ErrUnavailable, "news feed down"),
	}}
	engine := newTestEngine(&scriptedLLM{}, provider)

	result, err := engine.Run(context.Background(), baseRequest(models.KindComprehensive))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Error("missing news should be recorded")
	}
	if result.Final == nil {
		t.Error("analysis should still complete without news")
	}
}

func TestInvalidRequestRejected(t *testing.T) {
	engine := newTestEngine(&scriptedLLM{}, &fakeProvider{})

	req := baseRequest("portfolio")
	if _, err := engine.Run(context.Background(), req); models.KindOf(err) != models.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
