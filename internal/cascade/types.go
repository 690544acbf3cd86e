// Package cascade is the adaptive task-execution engine. A Session carries
// one request through ambiguity analysis, clarification, constraint
// extraction, feasibility validation, path selection, planning, and staged
// execution, ending in exactly one terminal state.
package cascade

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionState is the orchestrator's lifecycle state.
type SessionState string

const (
	StateReceived         SessionState = "received"
	StateAnalyzing        SessionState = "analyzing"
	StateClarifying       SessionState = "clarifying"
	StateValidating       SessionState = "validating"
	StatePathSelection    SessionState = "path_selection"
	StatePlanning         SessionState = "planning"
	StateExecuting        SessionState = "executing"
	StateObstacleHandling SessionState = "obstacle_handling"
	StateCompleted        SessionState = "completed"
	StateAborted          SessionState = "aborted"
	StateNoFeasiblePath   SessionState = "no_feasible_path"
	StateAbandoned        SessionState = "abandoned"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateNoFeasiblePath, StateAbandoned:
		return true
	}
	return false
}

// Request is the immutable input to a session.
type Request struct {
	Text        string            `json:"text"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Context     map[string]string `json:"context,omitempty"`
	Profile     string            `json:"profile,omitempty"`
}

// AmbiguityCategory classifies why a term was flagged.
type AmbiguityCategory string

const (
	VagueQuantifier    AmbiguityCategory = "vague_quantifier"
	UndefinedTerm      AmbiguityCategory = "undefined_term"
	MissingContext     AmbiguityCategory = "missing_context"
	AmbiguousReference AmbiguityCategory = "ambiguous_reference"
	UnclearScope       AmbiguityCategory = "unclear_scope"
	SubjectiveCriteria AmbiguityCategory = "subjective_criteria"
)

// Candidate is one possible meaning of an ambiguous term.
type Candidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Interpretation is one detected ambiguity with its ranked candidates.
// Resolved is set by the clarification engine; Flagged means the detector's
// confidence fell below the clarification threshold.
type Interpretation struct {
	Term       string            `json:"term"`
	Category   AmbiguityCategory `json:"category"`
	Position   int               `json:"position"`
	Confidence float64           `json:"confidence"`
	Candidates []Candidate       `json:"candidates"`
	Flagged    bool              `json:"flagged"`
	Resolved   bool              `json:"resolved"`
	Resolution string            `json:"resolution,omitempty"`
	AutoFilled bool              `json:"auto_filled,omitempty"`
}

// ConstraintKind is one of the four constraint dimensions.
type ConstraintKind string

const (
	ConstraintTime      ConstraintKind = "time"
	ConstraintBudget    ConstraintKind = "budget"
	ConstraintQuality   ConstraintKind = "quality"
	ConstraintTechnical ConstraintKind = "technical"
)

// ConstraintOrigin marks how a constraint entered the session.
type ConstraintOrigin string

const (
	OriginExplicit ConstraintOrigin = "explicit"
	OriginInferred ConstraintOrigin = "inferred"
)

// Constraint is one limitation on execution. Hours is set for numeric time
// constraints; Value carries qualitative levels (mvp, urgent, beginner).
// Conflicting same-kind constraints are both retained, each naming the other
// in ConflictsWith.
type Constraint struct {
	ID            string           `json:"id"`
	Kind          ConstraintKind   `json:"kind"`
	Value         string           `json:"value"`
	Hours         float64          `json:"hours,omitempty"`
	Weight        float64          `json:"weight"`
	Origin        ConstraintOrigin `json:"origin"`
	Description   string           `json:"description"`
	ConflictsWith []string         `json:"conflicts_with,omitempty"`
}

// Violation is one constraint a Path is estimated to break.
type Violation struct {
	ConstraintID string  `json:"constraint_id"`
	Severity     float64 `json:"severity"`
	Detail       string  `json:"detail"`
}

// FeasibilityStatus is the validator's tri-state judgment.
type FeasibilityStatus string

const (
	Feasible        FeasibilityStatus = "feasible"
	DegradedQuality FeasibilityStatus = "feasible_degraded"
	Infeasible      FeasibilityStatus = "infeasible"
)

// FeasibilityVerdict is one immutable evaluation of a Path.
type FeasibilityVerdict struct {
	Status      FeasibilityStatus `json:"status"`
	Score       float64           `json:"score"`
	Violations  []Violation       `json:"violations,omitempty"`
	Blocking    []string          `json:"blocking,omitempty"` // constraint IDs
	Conflicts   []string          `json:"conflicts,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// PathType names the strategy dimension a candidate approach uses.
type PathType string

const (
	PathOptimal    PathType = "optimal"
	PathFast       PathType = "fast"
	PathMinimal    PathType = "minimal"
	PathWorkaround PathType = "workaround"
	PathThorough   PathType = "thorough"
)

// Path is one candidate execution approach.
type Path struct {
	ID                string   `json:"id"`
	Type              PathType `json:"type"`
	Description       string   `json:"description"`
	Steps             []string `json:"steps"`
	EstimatedHours    float64  `json:"estimated_hours"`
	EstimatedRisk     float64  `json:"estimated_risk"`
	EstimatedStages   int      `json:"estimated_stages"`
	RelaxedConstraint string   `json:"relaxed_constraint,omitempty"`
}

// StageStatus is a stage's lifecycle state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one bounded unit of planned work. A stage starts only once every
// dependency has succeeded.
type Stage struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Prompt       string        `json:"prompt"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Status       StageStatus   `json:"status"`
	Retries      int           `json:"retries"`
	MaxRetries   int           `json:"max_retries"`
	Timeout      time.Duration `json:"timeout"`
	Output       string        `json:"output,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// ObstacleKind classifies a detected execution anomaly.
type ObstacleKind string

const (
	ObstacleTimeout         ObstacleKind = "timeout"
	ObstacleRetryExhausted  ObstacleKind = "retry_exhausted"
	ObstacleStall           ObstacleKind = "stall"
	ObstacleConfidenceDecay ObstacleKind = "confidence_decay"
	ObstacleProviderError   ObstacleKind = "provider_error"
)

// Obstacle names a stage-level anomaly requiring remediation.
type Obstacle struct {
	Kind       ObstacleKind `json:"kind"`
	StageID    string       `json:"stage_id"`
	Detail     string       `json:"detail"`
	DetectedAt time.Time    `json:"detected_at"`
}

// ProgressSnapshot is one append-only observation of execution state.
type ProgressSnapshot struct {
	TakenAt         time.Time  `json:"taken_at"`
	CompletedStages int        `json:"completed_stages"`
	TotalStages     int        `json:"total_stages"`
	Obstacles       []Obstacle `json:"obstacles,omitempty"`
	ConfidenceTrend []float64  `json:"confidence_trend,omitempty"`
}

// TerminalReason is the structured explanation attached to every terminal
// state. Never a bare failure.
type TerminalReason struct {
	Summary               string   `json:"summary"`
	BlockingConstraints   []string `json:"blocking_constraints,omitempty"`
	UnresolvedAmbiguities []string `json:"unresolved_ambiguities,omitempty"`
	FailedStage           string   `json:"failed_stage,omitempty"`
}

// Question is one pending discrete-choice clarification.
type Question struct {
	Term       string      `json:"term"`
	Candidates []Candidate `json:"candidates"`
	AskedAt    time.Time   `json:"asked_at"`
}

// Session is the aggregate root binding one request to everything derived
// from it. It is the unit of persistence and cancellation.
type Session struct {
	ID              string               `json:"id"`
	State           SessionState         `json:"state"`
	Request         Request              `json:"request"`
	Interpretations []Interpretation     `json:"interpretations,omitempty"`
	Constraints     []Constraint         `json:"constraints,omitempty"`
	Verdicts        []FeasibilityVerdict `json:"verdicts,omitempty"`
	CandidatePaths  []Path               `json:"candidate_paths,omitempty"`
	SelectedPath    *Path                `json:"selected_path,omitempty"`
	Stages          []*Stage             `json:"stages,omitempty"`
	Snapshots       []ProgressSnapshot   `json:"snapshots,omitempty"`
	PendingQuestion *Question            `json:"pending_question,omitempty"`

	QuestionsAsked          int  `json:"questions_asked"`
	LowConfidenceResolution bool `json:"low_confidence_resolution"`

	Reason    *TerminalReason `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewSession creates a session in the received state.
func NewSession(req Request) *Session {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		State:     StateReceived,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StageByID returns the stage with the given ID, or nil.
func (s *Session) StageByID(id string) *Stage {
	for _, st := range s.Stages {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// validateUnit rejects values outside [0,1]. Out-of-range is a hard error,
// never a silent clamp.
func validateUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %.4f outside [0,1]", name, v)
	}
	return nil
}
