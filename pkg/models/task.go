package models

import (
	"fmt"
	"regexp"
	"time"
)

// Market identifies which exchange family a symbol belongs to
type Market string

const (
	MarketCNA Market = "CN-A"
	MarketHK  Market = "HK"
	MarketUS  Market = "US"
)

// AnalysisKind selects which agent graph is executed
type AnalysisKind string

const (
	KindFundamentals  AnalysisKind = "fundamentals"
	KindTechnical     AnalysisKind = "technical"
	KindNews          AnalysisKind = "news"
	KindComprehensive AnalysisKind = "comprehensive"
	KindDebate        AnalysisKind = "debate"
)

// TaskPriority orders dispatch within the scheduler queue
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority parses the API-level priority string
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, NewError(ErrValidation, fmt.Sprintf("invalid priority %q", s))
}

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// TaskStatus is the scheduler lifecycle state of a task
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
	StatusTimeout   TaskStatus = "TIMEOUT"
)

// IsTerminal reports whether the status is absorbing
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

var symbolPattern = regexp.MustCompile(`^[0-9]{6}$|^[0-9]{4,5}\.HK$|^[A-Z]{1,6}(\.[A-Z])?$`)

// AnalysisRequest describes one analysis to run
type AnalysisRequest struct {
	Symbol          string            `json:"symbol"`
	Market          Market            `json:"market"`
	AnalysisDate    string            `json:"analysis_date"` // YYYY-MM-DD
	Kind            AnalysisKind      `json:"analysis_kind"`
	Parameters      AnalysisParams    `json:"parameters"`
	Priority        TaskPriority      `json:"priority"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	Dependencies    []string          `json:"dependencies,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// AnalysisParams is the bounded set of known per-analysis options
type AnalysisParams struct {
	EnableDebate    bool   `json:"enable_debate,omitempty"`
	MaxDebateRounds int    `json:"max_debate_rounds,omitempty"`
	MaxRiskRounds   int    `json:"max_risk_rounds,omitempty"`
	EnableRisk      bool   `json:"enable_risk,omitempty"`
	Language        string `json:"language,omitempty"`
	ModelOverride   string `json:"model_override,omitempty"`
	UserID          string `json:"user_id,omitempty"`
}

// Validate checks request well-formedness (spec of a user error, never retried)
func (r *AnalysisRequest) Validate() error {
	if r.Symbol == "" {
		return NewError(ErrValidation, "symbol is required")
	}
	if !symbolPattern.MatchString(r.Symbol) {
		return NewError(ErrValidation, fmt.Sprintf("symbol %q has unknown format", r.Symbol))
	}
	switch r.Market {
	case MarketCNA, MarketHK, MarketUS:
	case "":
		return NewError(ErrValidation, "market is required")
	default:
		return NewError(ErrValidation, fmt.Sprintf("unknown market %q", r.Market))
	}
	switch r.Kind {
	case KindFundamentals, KindTechnical, KindNews, KindComprehensive, KindDebate:
	default:
		return NewError(ErrValidation, fmt.Sprintf("unknown analysis kind %q", r.Kind))
	}
	if r.AnalysisDate != "" {
		if _, err := time.Parse("2006-01-02", r.AnalysisDate); err != nil {
			return NewError(ErrValidation, fmt.Sprintf("invalid analysis date %q", r.AnalysisDate))
		}
	}
	if r.TimeoutSeconds < 0 {
		return NewError(ErrValidation, "timeout must be non-negative")
	}
	return nil
}

// WorkflowTask is a scheduled unit of work. The scheduler owns the canonical
// copy; everything handed to readers or callbacks is a snapshot.
type WorkflowTask struct {
	ID          string          `json:"id"`
	Kind        string          `json:"task_kind"`
	Request     AnalysisRequest `json:"request"`
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress"` // 0-100
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// ExecutionTime returns wall-clock runtime for terminal tasks
func (t *WorkflowTask) ExecutionTime() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt == nil {
		return time.Since(*t.StartedAt)
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Clone returns a deep copy safe to hand to readers
func (t *WorkflowTask) Clone() *WorkflowTask {
	cp := *t
	if t.ScheduledAt != nil {
		v := *t.ScheduledAt
		cp.ScheduledAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}
