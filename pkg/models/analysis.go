package models

import (
	"time"
)

// AgentRole names a node in the analysis graph
type AgentRole string

const (
	RoleDataCollect        AgentRole = "data_collect"
	RoleFundamentalsAnalyst AgentRole = "fundamentals_analyst"
	RoleMarketAnalyst      AgentRole = "market_analyst"
	RoleNewsAnalyst        AgentRole = "news_analyst"
	RoleSocialAnalyst      AgentRole = "social_analyst"
	RoleBullResearcher     AgentRole = "bull_researcher"
	RoleBearResearcher     AgentRole = "bear_researcher"
	RoleRiskyDebator       AgentRole = "risky_debator"
	RoleSafeDebator        AgentRole = "safe_debator"
	RoleNeutralDebator     AgentRole = "neutral_debator"
	RoleRiskManager        AgentRole = "risk_manager"
	RoleResearchManager    AgentRole = "research_manager"
	RoleTrader             AgentRole = "trader"
	RoleReportGen          AgentRole = "report_gen"
)

// ReportSlot names a write-once output field on the analysis state
type ReportSlot string

const (
	SlotFundamentals   ReportSlot = "fundamentals_report"
	SlotTechnical      ReportSlot = "technical_report"
	SlotNews           ReportSlot = "news_report"
	SlotSentiment      ReportSlot = "sentiment_report"
	SlotSocial         ReportSlot = "social_report"
	SlotBull           ReportSlot = "bull_thesis"
	SlotBear           ReportSlot = "bear_thesis"
	SlotRisky          ReportSlot = "risky_view"
	SlotSafe           ReportSlot = "safe_view"
	SlotNeutral        ReportSlot = "neutral_view"
	SlotRiskAssessment ReportSlot = "risk_assessment"
	SlotInvestmentPlan ReportSlot = "investment_plan"
	SlotTradeDecision  ReportSlot = "trade_decision"
	SlotFinal          ReportSlot = "final_recommendation"
)

// AgentMessage is one entry in the append-only conversation log
type AgentMessage struct {
	Role      AgentRole `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DebateTurn is a single speaker contribution in a debate or risk rotation
type DebateTurn struct {
	Speaker   AgentRole `json:"speaker"`
	Content   string    `json:"content"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskAssessment is the risk manager's structured verdict
type RiskAssessment struct {
	Level     string  `json:"level"` // low / medium / high
	Score     float64 `json:"score"` // 0-10
	Text      string  `json:"text"`
}

// FinalRecommendation is the terminal structured decision
type FinalRecommendation struct {
	Action      string  `json:"action"` // buy / hold / sell
	Confidence  float64 `json:"confidence"`
	TargetPrice float64 `json:"target_price,omitempty"`
	Reasoning   string  `json:"reasoning"`
}

// MarketDataBundle groups the input buckets collected before agents run
type MarketDataBundle struct {
	Info         *StockInfo    `json:"info,omitempty"`
	PriceBars    []PriceBar    `json:"price_bars,omitempty"`
	Fundamentals *Fundamentals `json:"fundamentals,omitempty"`
	News         []NewsItem    `json:"news,omitempty"`
	Social       []NewsItem    `json:"social,omitempty"`
	Technical    string        `json:"technical,omitempty"` // rendered indicator summary
}

// AnalysisState is the shared working set for one analysis run. The graph
// engine owns it; parallel analyst branches operate on defensive copies and
// merge through disjoint report slots.
type AnalysisState struct {
	Symbol      string       `json:"symbol"`
	CompanyName string       `json:"company_name,omitempty"`
	Market      Market       `json:"market"`
	Kind        AnalysisKind `json:"analysis_kind"`
	CurrentDate string       `json:"current_date"`

	Data MarketDataBundle `json:"data"`

	Reports map[ReportSlot]string `json:"reports"`

	RiskResult  *RiskAssessment      `json:"risk_result,omitempty"`
	FinalResult *FinalRecommendation `json:"final_result,omitempty"`

	Messages       []AgentMessage `json:"messages"`
	Errors         []string       `json:"errors"`
	CompletedSteps []AgentRole    `json:"completed_steps"`
	CurrentStep    AgentRole      `json:"current_step"`

	DebateHistory []DebateTurn `json:"debate_history"`
	RiskHistory   []DebateTurn `json:"risk_history"`
	DebateSummary string       `json:"debate_summary,omitempty"`
	RiskSummary   string       `json:"risk_summary,omitempty"`

	MaxDebateRounds int `json:"max_debate_rounds"`
	MaxRiskRounds   int `json:"max_risk_rounds"`
}

// NewAnalysisState creates a state for a request with defaults applied
func NewAnalysisState(req *AnalysisRequest) *AnalysisState {
	date := req.AnalysisDate
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	maxDebate := req.Parameters.MaxDebateRounds
	if maxDebate <= 0 {
		maxDebate = 2
	}
	maxRisk := req.Parameters.MaxRiskRounds
	if maxRisk <= 0 {
		maxRisk = 1
	}
	return &AnalysisState{
		Symbol:          req.Symbol,
		Market:          req.Market,
		Kind:            req.Kind,
		CurrentDate:     date,
		Reports:         make(map[ReportSlot]string),
		MaxDebateRounds: maxDebate,
		MaxRiskRounds:   maxRisk,
	}
}

// SetReport writes a report slot. A slot is written at most once; a second
// write is rejected so fan-out merges stay conflict-free.
func (s *AnalysisState) SetReport(slot ReportSlot, content string) error {
	if _, exists := s.Reports[slot]; exists {
		return NewError(ErrInternal, "report slot "+string(slot)+" already written")
	}
	s.Reports[slot] = content
	return nil
}

// AppendMessage adds to the append-only message log
func (s *AnalysisState) AppendMessage(role AgentRole, content string) {
	s.Messages = append(s.Messages, AgentMessage{Role: role, Content: content, Timestamp: time.Now()})
}

// AppendError records a best-effort failure without stopping the graph
func (s *AnalysisState) AppendError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// MarkCompleted records a finished step
func (s *AnalysisState) MarkCompleted(role AgentRole) {
	for _, r := range s.CompletedSteps {
		if r == role {
			return
		}
	}
	s.CompletedSteps = append(s.CompletedSteps, role)
}

// DebateRounds counts completed bull+bear pairs (a round is counted on the
// bull turn)
func (s *AnalysisState) DebateRounds() int {
	rounds := 0
	for _, turn := range s.DebateHistory {
		if turn.Speaker == RoleBullResearcher {
			rounds++
		}
	}
	return rounds
}

// Clone makes a defensive copy for parallel analyst branches
func (s *AnalysisState) Clone() *AnalysisState {
	cp := *s
	cp.Reports = make(map[ReportSlot]string, len(s.Reports))
	for k, v := range s.Reports {
		cp.Reports[k] = v
	}
	cp.Messages = append([]AgentMessage(nil), s.Messages...)
	cp.Errors = append([]string(nil), s.Errors...)
	cp.CompletedSteps = append([]AgentRole(nil), s.CompletedSteps...)
	cp.DebateHistory = append([]DebateTurn(nil), s.DebateHistory...)
	cp.RiskHistory = append([]DebateTurn(nil), s.RiskHistory...)
	return &cp
}

// AnalysisResult is the serialized terminal state returned to callers
type AnalysisResult struct {
	Symbol         string                `json:"symbol"`
	Market         Market                `json:"market"`
	Kind           AnalysisKind          `json:"analysis_kind"`
	AnalysisDate   string                `json:"analysis_date"`
	Reports        map[ReportSlot]string `json:"reports"`
	RiskResult     *RiskAssessment       `json:"risk_assessment,omitempty"`
	Final          *FinalRecommendation  `json:"final_recommendation,omitempty"`
	DebateHistory  []DebateTurn          `json:"debate_history,omitempty"`
	RiskHistory    []DebateTurn          `json:"risk_history,omitempty"`
	CompletedSteps []AgentRole           `json:"completed_steps"`
	Errors         []string              `json:"errors,omitempty"`
	GeneratedAt    time.Time             `json:"generated_at"`
}

// ResultFromState serializes a terminal state
func ResultFromState(s *AnalysisState) *AnalysisResult {
	return &AnalysisResult{
		Symbol:         s.Symbol,
		Market:         s.Market,
		Kind:           s.Kind,
		AnalysisDate:   s.CurrentDate,
		Reports:        s.Reports,
		RiskResult:     s.RiskResult,
		Final:          s.FinalResult,
		DebateHistory:  s.DebateHistory,
		RiskHistory:    s.RiskHistory,
		CompletedSteps: s.CompletedSteps,
		Errors:         s.Errors,
		GeneratedAt:    time.Now(),
	}
}
