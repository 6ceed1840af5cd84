package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// maxVisits bounds one graph pass against accidental cycles
const maxVisits = 100

// nodeID names a graph node. Role nodes reuse the role string so execution
// can dispatch by cast; control nodes get their own identifiers.
type nodeID string

const (
	nodeEnd           nodeID = "END"
	nodeDataCollect   nodeID = nodeID(models.RoleDataCollect)
	nodeAnalystFanOut nodeID = "analyst_fan_out"

	nodeFundamentalsAnalyst nodeID = nodeID(models.RoleFundamentalsAnalyst)
	nodeMarketAnalyst       nodeID = nodeID(models.RoleMarketAnalyst)
	nodeNewsAnalyst         nodeID = nodeID(models.RoleNewsAnalyst)
	nodeBullResearcher      nodeID = nodeID(models.RoleBullResearcher)
	nodeBearResearcher      nodeID = nodeID(models.RoleBearResearcher)
	nodeRiskyDebator        nodeID = nodeID(models.RoleRiskyDebator)
	nodeSafeDebator         nodeID = nodeID(models.RoleSafeDebator)
	nodeNeutralDebator      nodeID = nodeID(models.RoleNeutralDebator)
	nodeRiskManager         nodeID = nodeID(models.RoleRiskManager)
	nodeResearchManager     nodeID = nodeID(models.RoleResearchManager)
	nodeTrader              nodeID = nodeID(models.RoleTrader)
	nodeReportGen           nodeID = nodeID(models.RoleReportGen)
)

// ConsensusFunc decides whether a debate may end early. It is only consulted
// once both sides have produced at least two arguments.
type ConsensusFunc func(*models.AnalysisState) bool

// defaultConsensus never terminates a debate early
func defaultConsensus(*models.AnalysisState) bool { return false }

// Reflector stores terminal recommendations for later recall; *memory.Store
// in production, nil disables reflection.
type Reflector interface {
	Add(ctx context.Context, collection, content string, metadata map[string]string) (string, error)
}

// comprehensiveAnalysts fan out in parallel on defensive state copies
var comprehensiveAnalysts = []models.AgentRole{
	models.RoleFundamentalsAnalyst,
	models.RoleMarketAnalyst,
	models.RoleNewsAnalyst,
}

// transitionFunc picks the next node after the current one executed
type transitionFunc func(r *run) nodeID

func to(next nodeID) transitionFunc {
	return func(*run) nodeID { return next }
}

// riskGate routes through the risk manager only when the request asked for it
func riskGate(next nodeID) transitionFunc {
	return func(r *run) nodeID {
		if r.params.EnableRisk {
			return nodeRiskManager
		}
		return next
	}
}

// debateNext keeps the bull/bear alternation going until the round budget is
// spent or consensus is reached, then hands off through exit.
func debateNext(exit transitionFunc) transitionFunc {
	return func(r *run) nodeID {
		s := r.state
		if s.DebateRounds() >= s.MaxDebateRounds || r.consensusReached() {
			r.finishDebate()
			return exit(r)
		}
		return nodeBullResearcher
	}
}

// riskRotationEntry enters the three-stance rotation, or goes straight to
// the risk manager when the rotation is disabled.
func riskRotationEntry(r *run) nodeID {
	if r.params.EnableRisk {
		return nodeRiskyDebator
	}
	return nodeRiskManager
}

// riskNext closes one risky→safe→neutral cycle and either starts the next
// one or hands the accumulated views to the risk manager.
func riskNext(r *run) nodeID {
	if len(r.state.RiskHistory) >= 3*r.state.MaxRiskRounds {
		r.finishRisk()
		return nodeRiskManager
	}
	return nodeRiskyDebator
}

// graphs is the whole control flow as data: per analysis kind, a transition
// table from each node to its successor. Every pass starts at DataCollect
// and ends at the END sentinel.
var graphs = map[models.AnalysisKind]map[nodeID]transitionFunc{
	models.KindFundamentals: {
		nodeDataCollect:         to(nodeFundamentalsAnalyst),
		nodeFundamentalsAnalyst: riskGate(nodeReportGen),
		nodeRiskManager:         to(nodeReportGen),
		nodeReportGen:           to(nodeEnd),
	},
	models.KindTechnical: {
		nodeDataCollect:   to(nodeMarketAnalyst),
		nodeMarketAnalyst: riskGate(nodeReportGen),
		nodeRiskManager:   to(nodeReportGen),
		nodeReportGen:     to(nodeEnd),
	},
	models.KindNews: {
		nodeDataCollect: to(nodeNewsAnalyst),
		nodeNewsAnalyst: riskGate(nodeReportGen),
		nodeRiskManager: to(nodeReportGen),
		nodeReportGen:   to(nodeEnd),
	},
	models.KindComprehensive: {
		nodeDataCollect: to(nodeAnalystFanOut),
		nodeAnalystFanOut: func(r *run) nodeID {
			if r.params.EnableDebate {
				return nodeBullResearcher
			}
			return riskRotationEntry(r)
		},
		nodeBullResearcher:  to(nodeBearResearcher),
		nodeBearResearcher:  debateNext(riskRotationEntry),
		nodeRiskyDebator:    to(nodeSafeDebator),
		nodeSafeDebator:     to(nodeNeutralDebator),
		nodeNeutralDebator:  riskNext,
		nodeRiskManager:     to(nodeResearchManager),
		nodeResearchManager: to(nodeTrader),
		nodeTrader:          to(nodeReportGen),
		nodeReportGen:       to(nodeEnd),
	},
	models.KindDebate: {
		nodeDataCollect:         to(nodeFundamentalsAnalyst),
		nodeFundamentalsAnalyst: to(nodeMarketAnalyst),
		nodeMarketAnalyst:       to(nodeBullResearcher),
		nodeBullResearcher:      to(nodeBearResearcher),
		nodeBearResearcher:      debateNext(to(nodeResearchManager)),
		nodeResearchManager:     to(nodeReportGen),
		nodeReportGen:           to(nodeEnd),
	},
}

// Engine advances an analysis state through the role graph for its kind
type Engine struct {
	collector *DataCollector
	invoker   *Invoker
	reflector Reflector
	consensus ConsensusFunc
}

// NewEngine creates the graph engine. reflector may be nil.
func NewEngine(collector *DataCollector, invoker *Invoker, reflector Reflector) *Engine {
	return &Engine{
		collector: collector,
		invoker:   invoker,
		reflector: reflector,
		consensus: defaultConsensus,
	}
}

// SetConsensus replaces the early-termination predicate for debates
func (e *Engine) SetConsensus(fn ConsensusFunc) {
	if fn != nil {
		e.consensus = fn
	}
}

// run is the per-analysis working set of one graph pass
type run struct {
	engine *Engine
	state  *models.AnalysisState
	params models.AnalysisParams
	opts   callOptions
}

// Run executes the full graph for the request and serializes the terminal
// state. Agent failures are best-effort (recorded and skipped); only a lost
// primary data set or a cancelled context aborts the pass.
func (e *Engine) Run(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	graph, ok := graphs[req.Kind]
	if !ok {
		return nil, models.NewError(models.ErrValidation, fmt.Sprintf("no graph for analysis kind %q", req.Kind))
	}

	state := models.NewAnalysisState(req)
	r := &run{
		engine: e,
		state:  state,
		params: req.Parameters,
		opts: callOptions{
			Model:    req.Parameters.ModelOverride,
			UserID:   req.Parameters.UserID,
			Language: req.Parameters.Language,
		},
	}

	started := time.Now()
	logger.Info("🧭 Analysis graph started",
		zap.String("symbol", req.Symbol),
		zap.String("kind", string(req.Kind)))

	node := nodeDataCollect
	for visits := 0; node != nodeEnd; visits++ {
		if visits >= maxVisits {
			state.AppendError("graph visit bound exceeded")
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err := r.execute(ctx, node); err != nil {
			if node == nodeDataCollect {
				return nil, err
			}
			logger.Warn("⚠️ Agent step failed, continuing",
				zap.String("symbol", state.Symbol),
				zap.String("node", string(node)),
				zap.Error(err))
			state.AppendError(err.Error())
		}
		node = graph[node](r)
	}

	// Terminal states always carry a recommendation, even after failures
	if state.FinalResult == nil {
		state.FinalResult = &models.FinalRecommendation{
			Action:     "hold",
			Confidence: 0,
			Reasoning:  "analysis incomplete: " + strings.Join(state.Errors, "; "),
		}
	}

	e.reflect(ctx, state)

	logger.Info("✅ Analysis completed",
		zap.String("symbol", req.Symbol),
		zap.String("kind", string(req.Kind)),
		zap.String("action", state.FinalResult.Action),
		zap.Int("errors", len(state.Errors)),
		zap.Duration("duration", time.Since(started)))
	return models.ResultFromState(state), nil
}

// execute runs one node against the state
func (r *run) execute(ctx context.Context, node nodeID) error {
	s := r.state
	switch node {
	case nodeDataCollect:
		s.CurrentStep = models.RoleDataCollect
		if err := r.engine.collector.Collect(ctx, s); err != nil {
			return err
		}
		s.MarkCompleted(models.RoleDataCollect)
		return nil
	case nodeAnalystFanOut:
		return r.fanOut(ctx)
	case nodeBullResearcher:
		return r.engine.invoker.Argue(ctx, models.RoleBullResearcher, s, s.DebateRounds()+1, r.opts)
	case nodeBearResearcher:
		return r.engine.invoker.Argue(ctx, models.RoleBearResearcher, s, s.DebateRounds(), r.opts)
	case nodeRiskyDebator, nodeSafeDebator, nodeNeutralDebator:
		round := len(s.RiskHistory)/3 + 1
		return r.engine.invoker.Argue(ctx, models.AgentRole(node), s, round, r.opts)
	default:
		return r.engine.invoker.Step(ctx, models.AgentRole(node), s, r.opts)
	}
}

// fanOut runs the comprehensive analysts in parallel on defensive copies and
// merges them back through their disjoint report slots.
func (r *run) fanOut(ctx context.Context) error {
	s := r.state
	baseMessages := len(s.Messages)
	baseErrors := len(s.Errors)

	branches := make([]*models.AnalysisState, len(comprehensiveAnalysts))
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range comprehensiveAnalysts {
		i, role := i, role
		branch := s.Clone()
		branches[i] = branch
		g.Go(func() error {
			if err := r.engine.invoker.Step(gctx, role, branch, r.opts); err != nil {
				branch.AppendError(err.Error())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, branch := range branches {
		role := comprehensiveAnalysts[i]
		slot := roleSpecs[role].Slot
		if content, ok := branch.Reports[slot]; ok {
			if err := s.SetReport(slot, content); err != nil {
				return err
			}
			s.MarkCompleted(role)
		}
		s.Messages = append(s.Messages, branch.Messages[baseMessages:]...)
		s.Errors = append(s.Errors, branch.Errors[baseErrors:]...)
	}
	return nil
}

// finishDebate folds the rotation output into the write-once thesis slots
func (r *run) finishDebate() {
	s := r.state
	bull := collectTurns(s.DebateHistory, models.RoleBullResearcher)
	bear := collectTurns(s.DebateHistory, models.RoleBearResearcher)
	if bull != "" {
		if err := s.SetReport(models.SlotBull, bull); err == nil {
			s.MarkCompleted(models.RoleBullResearcher)
		}
	}
	if bear != "" {
		if err := s.SetReport(models.SlotBear, bear); err == nil {
			s.MarkCompleted(models.RoleBearResearcher)
		}
	}
	s.DebateSummary = fmt.Sprintf("%d debate rounds, %d turns", s.DebateRounds(), len(s.DebateHistory))
}

// finishRisk folds the three-stance rotation into its report slots
func (r *run) finishRisk() {
	s := r.state
	for role, slot := range map[models.AgentRole]models.ReportSlot{
		models.RoleRiskyDebator:   models.SlotRisky,
		models.RoleSafeDebator:    models.SlotSafe,
		models.RoleNeutralDebator: models.SlotNeutral,
	} {
		if content := collectTurns(s.RiskHistory, role); content != "" {
			if err := s.SetReport(slot, content); err == nil {
				s.MarkCompleted(role)
			}
		}
	}
	s.RiskSummary = fmt.Sprintf("%d risk rotation entries", len(s.RiskHistory))
}

func collectTurns(turns []models.DebateTurn, speaker models.AgentRole) string {
	var parts []string
	for _, turn := range turns {
		if turn.Speaker == speaker {
			parts = append(parts, turn.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// consensusReached gates the pluggable predicate behind the two-argument
// minimum so a debate can never end before both sides made their case.
func (r *run) consensusReached() bool {
	s := r.state
	var bulls, bears int
	for _, turn := range s.DebateHistory {
		switch turn.Speaker {
		case models.RoleBullResearcher:
			bulls++
		case models.RoleBearResearcher:
			bears++
		}
	}
	if bulls < 2 || bears < 2 {
		return false
	}
	return r.engine.consensus(s)
}

// reflect stores the terminal recommendation for future recall
func (e *Engine) reflect(ctx context.Context, s *models.AnalysisState) {
	if e.reflector == nil || s.FinalResult == nil || s.FinalResult.Reasoning == "" {
		return
	}
	content := fmt.Sprintf("%s %s on %s: %s (confidence %.2f). %s",
		s.Symbol, s.Kind, s.CurrentDate,
		s.FinalResult.Action, s.FinalResult.Confidence,
		truncate(s.FinalResult.Reasoning, 500))
	if _, err := e.reflector.Add(ctx, reflectionsCollection, content, map[string]string{
		"symbol": s.Symbol,
		"action": s.FinalResult.Action,
	}); err != nil {
		logger.Debug("reflection skipped", zap.Error(err))
	}
}
