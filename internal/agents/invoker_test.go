package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/selivandex/stock-agents/internal/memory"
	"github.com/selivandex/stock-agents/pkg/models"
)

type fakeRecaller struct {
	queried []string
	hits    []memory.Scored
}

func (f *fakeRecaller) Search(ctx context.Context, collection, query string, topK int, minScore float64) ([]memory.Scored, error) {
	f.queried = append(f.queried, collection)
	return f.hits, nil
}

func emptyState(kind models.AnalysisKind) *models.AnalysisState {
	return models.NewAnalysisState(&models.AnalysisRequest{
		Symbol: "AAPL",
		Market: models.MarketUS,
		Kind:   kind,
	})
}

func TestStepWritesSlotOnce(t *testing.T) {
	inv := NewInvoker(&scriptedLLM{}, stubRenderer{}, nil)
	state := emptyState(models.KindFundamentals)
	ctx := context.Background()

	if err := inv.Step(ctx, models.RoleFundamentalsAnalyst, state, callOptions{}); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if err := inv.Step(ctx, models.RoleFundamentalsAnalyst, state, callOptions{}); err == nil {
		t.Fatal("second write to the same slot should fail")
	}
	if len(state.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (slot guard fires after append)", len(state.Messages))
	}
}

func TestStepUnknownRole(t *testing.T) {
	inv := NewInvoker(&scriptedLLM{}, stubRenderer{}, nil)
	err := inv.Step(context.Background(), "janitor", emptyState(models.KindFundamentals), callOptions{})
	if models.KindOf(err) != models.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildContextCuratesState(t *testing.T) {
	inv := NewInvoker(&scriptedLLM{}, stubRenderer{}, nil)
	state := emptyState(models.KindComprehensive)
	state.CompanyName = "Apple Inc"
	state.Data.Technical = "RSI(14): 61.20 (neutral)"
	state.Reports[models.SlotFundamentals] = "solid balance sheet"
	state.DebateHistory = []models.DebateTurn{
		{Speaker: models.RoleBullResearcher, Content: "growth is intact", Round: 1},
		{Speaker: models.RoleBearResearcher, Content: "valuation is stretched", Round: 1},
	}

	got := inv.buildContext(context.Background(), models.RoleResearchManager, state)
	for _, want := range []string{
		"Apple Inc",
		"RSI(14)",
		"Report: fundamentals_report",
		"Debate so far",
		"valuation is stretched",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q", want)
		}
	}
	if strings.Contains(got, "Risk discussion") {
		t.Error("research manager should not see the risk rotation")
	}
}

func TestRecallOnlyForResearcherRoles(t *testing.T) {
	recall := &fakeRecaller{hits: []memory.Scored{
		{Item: memory.Item{Content: "AAPL buy worked out in March"}, Score: 0.9},
	}}
	inv := NewInvoker(&scriptedLLM{}, stubRenderer{}, recall)
	state := emptyState(models.KindComprehensive)

	got := inv.buildContext(context.Background(), models.RoleBullResearcher, state)
	if !strings.Contains(got, "Lessons from past analyses") {
		t.Error("bull researcher should see recalled lessons")
	}

	recall.queried = nil
	inv.buildContext(context.Background(), models.RoleNewsAnalyst, state)
	if len(recall.queried) != 0 {
		t.Error("news analyst should not query memory")
	}
}

func TestSplitPrompt(t *testing.T) {
	tests := []struct {
		name       string
		rendered   string
		wantSystem string
		wantUser   string
	}{
		{
			name:       "with separator",
			rendered:   "You are an analyst.\n=== USER PROMPT ===\nAnalyze AAPL.",
			wantSystem: "You are an analyst.",
			wantUser:   "Analyze AAPL.",
		},
		{
			name:     "without separator",
			rendered: "Just one block.",
			wantUser: "Just one block.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, user := splitPrompt(tt.rendered)
			if system != tt.wantSystem || user != tt.wantUser {
				t.Errorf("splitPrompt = (%q, %q), want (%q, %q)", system, user, tt.wantSystem, tt.wantUser)
			}
		})
	}
}
