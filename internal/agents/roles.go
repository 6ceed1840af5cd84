package agents

import (
	"github.com/selivandex/stock-agents/pkg/models"
)

// roleSpec describes how one agent role is invoked: which prompt template
// renders it, which task tag routes it, and which report slot it owns.
// Debate and risk stances own no slot; their output lands in the histories.
type roleSpec struct {
	Template string
	Task     models.TaskType
	Slot     models.ReportSlot
}

var roleSpecs = map[models.AgentRole]roleSpec{
	models.RoleFundamentalsAnalyst: {
		Template: "fundamentals_analyst.tmpl",
		Task:     models.TaskFinancialAnalysis,
		Slot:     models.SlotFundamentals,
	},
	models.RoleMarketAnalyst: {
		Template: "market_analyst.tmpl",
		Task:     models.TaskStockAnalysis,
		Slot:     models.SlotTechnical,
	},
	models.RoleNewsAnalyst: {
		Template: "news_analyst.tmpl",
		Task:     models.TaskStockAnalysis,
		Slot:     models.SlotNews,
	},
	models.RoleSocialAnalyst: {
		Template: "social_analyst.tmpl",
		Task:     models.TaskGeneral,
		Slot:     models.SlotSocial,
	},
	models.RoleBullResearcher: {
		Template: "bull_researcher.tmpl",
		Task:     models.TaskReasoning,
	},
	models.RoleBearResearcher: {
		Template: "bear_researcher.tmpl",
		Task:     models.TaskReasoning,
	},
	models.RoleRiskyDebator: {
		Template: "risky_debator.tmpl",
		Task:     models.TaskReasoning,
	},
	models.RoleSafeDebator: {
		Template: "safe_debator.tmpl",
		Task:     models.TaskReasoning,
	},
	models.RoleNeutralDebator: {
		Template: "neutral_debator.tmpl",
		Task:     models.TaskReasoning,
	},
	models.RoleRiskManager: {
		Template: "risk_manager.tmpl",
		Task:     models.TaskReasoning,
		Slot:     models.SlotRiskAssessment,
	},
	models.RoleResearchManager: {
		Template: "research_manager.tmpl",
		Task:     models.TaskFinancialAnalysis,
		Slot:     models.SlotInvestmentPlan,
	},
	models.RoleTrader: {
		Template: "trader.tmpl",
		Task:     models.TaskFinancialAnalysis,
		Slot:     models.SlotTradeDecision,
	},
	models.RoleReportGen: {
		Template: "report_gen.tmpl",
		Task:     models.TaskFinancialAnalysis,
		Slot:     models.SlotFinal,
	},
}

// RequiredTemplates lists the template files every deployment must ship.
// Passed to templates.NewManagerWithValidation at startup so a missing
// prompt fails fast instead of mid-analysis.
func RequiredTemplates() []string {
	names := make([]string, 0, len(roleSpecs))
	for _, spec := range roleSpecs {
		names = append(names, spec.Template)
	}
	return names
}
