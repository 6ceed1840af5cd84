package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/memory"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
	"github.com/selivandex/stock-agents/pkg/templates"
)

// promptSeparator splits a rendered template into system and user prompts
const promptSeparator = "=== USER PROMPT ==="

// reflectionsCollection holds past recommendations recalled by researchers
const reflectionsCollection = "analysis_reflections"

// Completer routes completion requests; *llmrouter.Router in production
type Completer interface {
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.Completion, error)
}

// Recaller looks up past analysis lessons; *memory.Store in production
type Recaller interface {
	Search(ctx context.Context, collection, query string, topK int, minScore float64) ([]memory.Scored, error)
}

// recallMinScore keeps weakly related lessons out of the prompt
const recallMinScore = 0.75

// callOptions carries per-run request parameters into every role invocation
type callOptions struct {
	Model    string
	UserID   string
	Language string
}

// Invoker runs a single agent role against the analysis state: curated
// context in, tagged report out, state mutated exactly once per step.
type Invoker struct {
	router    Completer
	templates templates.Renderer
	memory    Recaller // nil disables recall
}

// NewInvoker creates the role invoker
func NewInvoker(router Completer, tmpl templates.Renderer, recall Recaller) *Invoker {
	return &Invoker{router: router, templates: tmpl, memory: recall}
}

// Step runs a slot-bearing role once: render prompt, complete, parse, write
// the report slot and mark the step. The slot is write-once; a duplicate
// write surfaces as an error instead of silently overwriting.
func (inv *Invoker) Step(ctx context.Context, role models.AgentRole, state *models.AnalysisState, opts callOptions) error {
	spec, ok := roleSpecs[role]
	if !ok {
		return models.NewError(models.ErrValidation, fmt.Sprintf("unknown agent role %q", role))
	}
	state.CurrentStep = role

	content, err := inv.complete(ctx, role, spec, state, opts)
	if err != nil {
		return err
	}

	state.AppendMessage(role, content)
	if spec.Slot != "" {
		if err := state.SetReport(spec.Slot, content); err != nil {
			return err
		}
	}

	switch role {
	case models.RoleRiskManager:
		state.RiskResult = parseRiskAssessment(content)
	case models.RoleReportGen:
		state.FinalResult = parseFinalRecommendation(content)
	}

	state.MarkCompleted(role)
	logger.Debug("agent step completed",
		zap.String("symbol", state.Symbol),
		zap.String("role", string(role)))
	return nil
}

// Argue runs one debate or risk-rotation turn. Output goes into the matching
// history instead of a report slot; the rotation owns round accounting.
func (inv *Invoker) Argue(ctx context.Context, role models.AgentRole, state *models.AnalysisState, round int, opts callOptions) error {
	spec, ok := roleSpecs[role]
	if !ok {
		return models.NewError(models.ErrValidation, fmt.Sprintf("unknown agent role %q", role))
	}
	state.CurrentStep = role

	content, err := inv.complete(ctx, role, spec, state, opts)
	if err != nil {
		return err
	}

	turn := models.DebateTurn{
		Speaker:   role,
		Content:   content,
		Round:     round,
		Timestamp: time.Now(),
	}
	switch role {
	case models.RoleBullResearcher, models.RoleBearResearcher:
		state.DebateHistory = append(state.DebateHistory, turn)
	default:
		state.RiskHistory = append(state.RiskHistory, turn)
	}
	state.AppendMessage(role, content)
	return nil
}

func (inv *Invoker) complete(ctx context.Context, role models.AgentRole, spec roleSpec, state *models.AnalysisState, opts callOptions) (string, error) {
	rendered, err := inv.templates.ExecuteTemplate(spec.Template, map[string]interface{}{
		"Symbol":      state.Symbol,
		"CompanyName": state.CompanyName,
		"Market":      string(state.Market),
		"Date":        state.CurrentDate,
		"Language":    opts.Language,
		"Context":     inv.buildContext(ctx, role, state),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", role, err)
	}

	system, user := splitPrompt(rendered)
	messages := make([]models.ChatMessage, 0, 2)
	if system != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: system})
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: user})

	completion, err := inv.router.Complete(ctx, &models.CompletionRequest{
		Messages: messages,
		TaskType: spec.Task,
		Model:    opts.Model,
		UserID:   opts.UserID,
		Language: opts.Language,
	})
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", role, err)
	}
	return completion.Content, nil
}

// splitPrompt separates the rendered template into system and user halves.
// Templates without a separator become a pure user prompt.
func splitPrompt(rendered string) (system, user string) {
	idx := strings.Index(rendered, promptSeparator)
	if idx == -1 {
		return "", strings.TrimSpace(rendered)
	}
	return strings.TrimSpace(rendered[:idx]), strings.TrimSpace(rendered[idx+len(promptSeparator):])
}

// buildContext assembles the curated state view a role is allowed to see:
// market data blocks, written reports, trailing debate and risk records, and
// recalled lessons for researcher roles.
func (inv *Invoker) buildContext(ctx context.Context, role models.AgentRole, state *models.AnalysisState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s", state.Symbol)
	if state.CompanyName != "" {
		fmt.Fprintf(&b, " (%s)", state.CompanyName)
	}
	fmt.Fprintf(&b, "\nMarket: %s\nAnalysis date: %s\n", state.Market, state.CurrentDate)

	if info := state.Data.Info; info != nil && info.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", info.Industry)
	}

	if state.Data.Technical != "" {
		b.WriteString("\n## Technical indicators\n")
		b.WriteString(state.Data.Technical)
	}

	if f := state.Data.Fundamentals; f != nil && len(f.Ratios) > 0 {
		fmt.Fprintf(&b, "\n## Fundamentals (%s)\n", f.ReportDate)
		keys := make([]string, 0, len(f.Ratios))
		for k := range f.Ratios {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %.4f\n", k, f.Ratios[k])
		}
	}

	if len(state.Data.News) > 0 {
		b.WriteString("\n## Recent news\n")
		for i, item := range state.Data.News {
			if i >= 10 {
				break
			}
			fmt.Fprintf(&b, "- [%s] %s\n", item.PublishTime.Format("2006-01-02"), item.Title)
			if item.Content != "" {
				fmt.Fprintf(&b, "  %s\n", truncate(item.Content, 300))
			}
		}
	}

	inv.writeReports(&b, state)
	inv.writeHistories(&b, role, state)
	inv.writeRecall(ctx, &b, role, state)

	return b.String()
}

// reportOrder fixes the rendering order of written report slots
var reportOrder = []models.ReportSlot{
	models.SlotFundamentals,
	models.SlotTechnical,
	models.SlotNews,
	models.SlotSentiment,
	models.SlotSocial,
	models.SlotBull,
	models.SlotBear,
	models.SlotRisky,
	models.SlotSafe,
	models.SlotNeutral,
	models.SlotRiskAssessment,
	models.SlotInvestmentPlan,
	models.SlotTradeDecision,
}

func (inv *Invoker) writeReports(b *strings.Builder, state *models.AnalysisState) {
	for _, slot := range reportOrder {
		content, ok := state.Reports[slot]
		if !ok || content == "" {
			continue
		}
		fmt.Fprintf(b, "\n## Report: %s\n%s\n", slot, truncate(content, 2000))
	}
}

// trailingTurns caps how much history a debate participant sees
const trailingTurns = 8

func (inv *Invoker) writeHistories(b *strings.Builder, role models.AgentRole, state *models.AnalysisState) {
	switch role {
	case models.RoleBullResearcher, models.RoleBearResearcher, models.RoleResearchManager:
		writeTurns(b, "Debate so far", state.DebateHistory)
	case models.RoleRiskyDebator, models.RoleSafeDebator, models.RoleNeutralDebator, models.RoleRiskManager:
		writeTurns(b, "Risk discussion so far", state.RiskHistory)
	case models.RoleReportGen, models.RoleTrader:
		writeTurns(b, "Debate so far", state.DebateHistory)
		writeTurns(b, "Risk discussion so far", state.RiskHistory)
	}
}

func writeTurns(b *strings.Builder, title string, turns []models.DebateTurn) {
	if len(turns) == 0 {
		return
	}
	start := 0
	if len(turns) > trailingTurns {
		start = len(turns) - trailingTurns
	}
	fmt.Fprintf(b, "\n## %s\n", title)
	for _, turn := range turns[start:] {
		fmt.Fprintf(b, "[round %d] %s: %s\n", turn.Round, turn.Speaker, truncate(turn.Content, 800))
	}
}

func (inv *Invoker) writeRecall(ctx context.Context, b *strings.Builder, role models.AgentRole, state *models.AnalysisState) {
	if inv.memory == nil {
		return
	}
	switch role {
	case models.RoleBullResearcher, models.RoleBearResearcher, models.RoleTrader:
	default:
		return
	}

	query := state.Symbol + " " + state.CompanyName + " " + string(state.Kind)
	hits, err := inv.memory.Search(ctx, reflectionsCollection, query, 2, recallMinScore)
	if err != nil {
		logger.Debug("memory recall skipped", zap.Error(err))
		return
	}
	if len(hits) == 0 {
		return
	}
	b.WriteString("\n## Lessons from past analyses\n")
	for _, hit := range hits {
		fmt.Fprintf(b, "- %s\n", truncate(hit.Item.Content, 400))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
