package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/perception"
	"cascade/internal/resource"
	"cascade/internal/retrieval"
	"cascade/internal/store"
)

// ErrAwaitingAnswer marks a session paused on a pending clarification
// question. Not a failure; the caller resumes it with Respond.
var ErrAwaitingAnswer = errors.New("session awaiting clarification answer")

// neutralConfidence stands in when the backend reports no confidence.
const neutralConfidence = 0.7

// Capacity deferral bounds: how often and how long execution waits for the
// resource monitor to report free slots before giving up.
const (
	maxCapacityDeferrals = 5
	capacityRetryDelay   = 2 * time.Second
)

// Event is one observable session transition.
type Event struct {
	SessionID string
	State     SessionState
	Detail    string
	At        time.Time
}

// Orchestrator drives sessions through the lifecycle state machine. It owns
// the component instances and persists at every transition boundary.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.SessionStore
	retriever retrieval.Retriever

	detector   *Detector
	clarifier  *Clarifier
	extractor  *Extractor
	validator  *Validator
	generator  *Generator
	planner    *Planner
	adjuster   *Adjuster
	dispatcher *Dispatcher

	mu       sync.RWMutex
	sessions map[string]*Session
	monitors map[string]*ProgressMonitor
	replans  map[string]int

	events chan Event
}

// NewOrchestrator wires the engine components together. The store may be nil
// for in-memory use; the vocabulary may be nil to use the built-ins.
func NewOrchestrator(cfg *config.Config, st *store.SessionStore,
	invoker perception.Invoker, retriever retrieval.Retriever,
	resources resource.Monitor, vocab *Vocabulary) *Orchestrator {

	if vocab == nil {
		vocab = NewVocabulary()
	}
	if resources == nil {
		resources = &resource.StaticMonitor{}
	}
	e := cfg.Engine
	validator := NewValidator(e)
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		retriever:  retriever,
		detector:   NewDetector(vocab, e, nil),
		clarifier:  NewClarifier(e),
		extractor:  NewExtractor(),
		validator:  validator,
		generator:  NewGenerator(e, validator, nil),
		planner:    NewPlanner(e, retriever),
		adjuster:   NewAdjuster(e, retriever),
		dispatcher: NewDispatcher(e, invoker, resources),
		sessions:   make(map[string]*Session),
		monitors:   make(map[string]*ProgressMonitor),
		replans:    make(map[string]int),
		events:     make(chan Event, 64),
	}
}

// Events exposes the transition stream. Sends never block; a slow consumer
// drops events, not sessions.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Submit creates a session for the request and drives it until it reaches a
// terminal state or pauses on a clarification question. A paused session is
// returned with ErrAwaitingAnswer.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Session, error) {
	s := NewSession(req)

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.monitors[s.ID] = NewProgressMonitor(o.cfg.Engine, nil)
	o.mu.Unlock()

	logging.EngineInfo("session %s received: %q", s.ID, truncateText(req.Text, 80))
	o.persist(s)
	o.emit(s, "request received")

	return s, o.drive(ctx, s)
}

// Respond answers a session's pending question and resumes it.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, choice string) (*Session, error) {
	s, err := o.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State != StateClarifying || s.PendingQuestion == nil {
		return s, fmt.Errorf("session %s has no pending question", sessionID)
	}
	if err := o.clarifier.Answer(s, choice); err != nil {
		return s, err
	}
	o.transition(s, StateAnalyzing, "answer received")
	return s, o.drive(ctx, s)
}

// ExpireQuestion resolves a timed-out question via the fallback rule and
// resumes the session. A top candidate below the fallback threshold ends
// the session as abandoned.
func (o *Orchestrator) ExpireQuestion(ctx context.Context, sessionID string) (*Session, error) {
	s, err := o.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State != StateClarifying || s.PendingQuestion == nil {
		return s, fmt.Errorf("session %s has no pending question", sessionID)
	}

	if err := o.clarifier.Timeout(s); err != nil {
		if errors.Is(err, ErrNoFallback) {
			o.terminate(s, StateAbandoned, &TerminalReason{
				Summary:               "clarification timed out with no viable fallback",
				UnresolvedAmbiguities: o.clarifier.UnresolvedTerms(s),
			})
			return s, nil
		}
		return s, err
	}
	o.transition(s, StateAnalyzing, "question expired, fell back to top candidate")
	return s, o.drive(ctx, s)
}

// Status returns a point-in-time copy of a session by ID, from memory or
// from the store. The copy is detached from the executing session, so the
// caller can inspect it without racing the state machine.
func (o *Orchestrator) Status(sessionID string) (*Session, error) {
	o.mu.RLock()
	s, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if ok {
		return cloneSession(s)
	}
	if o.store == nil {
		return nil, store.ErrNotFound
	}

	rec, err := o.store.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	var loaded Session
	if err := json.Unmarshal(rec.Payload, &loaded); err != nil {
		return nil, fmt.Errorf("corrupt session payload: %w", err)
	}
	return &loaded, nil
}

// cloneSession deep-copies a session through its JSON form, the same shape
// the store persists.
func cloneSession(s *Session) (*Session, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone session %s: %w", s.ID, err)
	}
	var out Session
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("clone session %s: %w", s.ID, err)
	}
	return &out, nil
}

// activeSession fetches a session for resumption, rehydrating from the
// store when the process restarted since it was submitted.
func (o *Orchestrator) activeSession(sessionID string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.sessions[sessionID]; ok {
		return s, nil
	}
	if o.store == nil {
		return nil, store.ErrNotFound
	}
	rec, err := o.store.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return nil, fmt.Errorf("corrupt session payload: %w", err)
	}
	o.sessions[s.ID] = &s
	o.monitors[s.ID] = NewProgressMonitor(o.cfg.Engine, nil)
	return &s, nil
}

// drive advances the state machine until a terminal state or a pause point.
func (o *Orchestrator) drive(ctx context.Context, s *Session) error {
	for !s.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch s.State {
		case StateReceived:
			o.transition(s, StateAnalyzing, "starting ambiguity analysis")

		case StateAnalyzing:
			if err := o.analyze(s); err != nil {
				o.terminate(s, StateAborted, &TerminalReason{
					Summary: fmt.Sprintf("ambiguity analysis failed: %v", err),
				})
				return nil
			}

		case StateClarifying:
			if q := o.clarifier.Ask(s); q != nil {
				o.persist(s)
				o.emit(s, fmt.Sprintf("asking about %q", q.Term))
				return ErrAwaitingAnswer
			}
			// Budget exhausted or nothing pending; back to analysis.
			o.transition(s, StateAnalyzing, "clarification round complete")

		case StateValidating:
			if err := o.validate(s); err != nil {
				o.terminate(s, StateAborted, &TerminalReason{
					Summary: fmt.Sprintf("feasibility validation failed: %v", err),
				})
				return nil
			}

		case StatePathSelection:
			if err := o.selectPath(s); err != nil {
				o.terminate(s, StateAborted, &TerminalReason{
					Summary: fmt.Sprintf("path generation failed: %v", err),
				})
				return nil
			}

		case StatePlanning:
			if err := o.plan(ctx, s); err != nil {
				o.terminate(s, StateAborted, &TerminalReason{
					Summary: fmt.Sprintf("planning failed: %v", err),
				})
				return nil
			}

		case StateExecuting:
			if err := o.execute(ctx, s); err != nil {
				return err
			}

		case StateObstacleHandling:
			o.handleObstacles(ctx, s)

		default:
			o.terminate(s, StateAborted, &TerminalReason{
				Summary: fmt.Sprintf("unknown state %s", s.State),
			})
			return nil
		}
	}
	return nil
}

// analyze runs detection on first entry and routes to clarification while
// flagged terms remain unresolved.
func (o *Orchestrator) analyze(s *Session) error {
	if s.Interpretations == nil {
		interps, err := o.detector.Detect(s.Request.Text)
		if err != nil {
			return err
		}
		if interps == nil {
			interps = []Interpretation{}
		}
		s.Interpretations = interps
	}

	if o.clarifier.HasPending(s) {
		o.transition(s, StateClarifying, "ambiguous terms need clarification")
	} else {
		o.transition(s, StateValidating, "request text resolved")
	}
	return nil
}

// validate extracts constraints from the resolved text, drafts the initial
// path, and judges it.
func (o *Orchestrator) validate(s *Session) error {
	resolved := o.clarifier.ResolvedText(s)
	if s.Constraints == nil {
		s.Constraints = o.extractor.Extract(resolved)
	}

	draft := DraftPath(resolved, s.Constraints)
	verdict, err := o.validator.Validate(draft, s.Constraints, o.dispatcher.resources.Snapshot())
	if err != nil {
		return err
	}
	s.CandidatePaths = append(s.CandidatePaths, draft)
	s.Verdicts = append(s.Verdicts, verdict)

	if verdict.Status != Infeasible {
		s.SelectedPath = &draft
		o.transition(s, StatePlanning, fmt.Sprintf("initial path %s (score %.2f)", verdict.Status, verdict.Score))
	} else {
		o.transition(s, StatePathSelection, "initial path infeasible, generating alternatives")
	}
	return nil
}

// selectPath generates alternatives for the last infeasible path and picks
// the best viable one. Exhaustion is the no_feasible_path terminal.
func (o *Orchestrator) selectPath(s *Session) error {
	if len(s.CandidatePaths) == 0 || len(s.Verdicts) == 0 {
		return fmt.Errorf("nothing to generate alternatives from")
	}
	failed := s.CandidatePaths[len(s.CandidatePaths)-1]
	verdict := s.Verdicts[len(s.Verdicts)-1]
	// A re-plan after execution failures starts from the path that was
	// actually running, not the last rejected alternative.
	if s.SelectedPath != nil {
		for i := range s.CandidatePaths {
			if s.CandidatePaths[i].ID == s.SelectedPath.ID && i < len(s.Verdicts) {
				failed = s.CandidatePaths[i]
				verdict = s.Verdicts[i]
				break
			}
		}
	}

	scored, err := o.generator.Alternatives(failed, verdict, s.Constraints, o.dispatcher.resources.Snapshot())
	if err != nil {
		return err
	}

	for _, sp := range scored {
		s.CandidatePaths = append(s.CandidatePaths, sp.Path)
		s.Verdicts = append(s.Verdicts, sp.Verdict)
	}

	for _, sp := range scored {
		if sp.Verdict.Status != Infeasible {
			path := sp.Path
			s.SelectedPath = &path
			o.transition(s, StatePlanning,
				fmt.Sprintf("selected %s path (score %.2f)", path.Type, sp.Verdict.Score))
			return nil
		}
	}

	o.terminate(s, StateNoFeasiblePath, &TerminalReason{
		Summary:             "no candidate path satisfies the constraint set",
		BlockingConstraints: o.blockingConstraintNames(s),
	})
	return nil
}

// blockingConstraintNames collects human-readable names for every
// constraint that blocked any candidate.
func (o *Orchestrator) blockingConstraintNames(s *Session) []string {
	byID := make(map[string]Constraint, len(s.Constraints))
	for _, c := range s.Constraints {
		byID[c.ID] = c
	}
	seen := make(map[string]bool)
	var out []string
	for _, v := range s.Verdicts {
		for _, id := range v.Blocking {
			if seen[id] {
				continue
			}
			seen[id] = true
			if c, ok := byID[id]; ok {
				out = append(out, fmt.Sprintf("%s: %s", c.Kind, c.Description))
			}
		}
	}
	return out
}

func (o *Orchestrator) plan(ctx context.Context, s *Session) error {
	stages, err := o.planner.Plan(ctx, s)
	if err != nil {
		return err
	}
	s.Stages = stages
	o.transition(s, StateExecuting, fmt.Sprintf("%d stages planned", len(stages)))
	return nil
}

// execute runs ready batches until the plan completes or an obstacle needs
// handling.
func (o *Orchestrator) execute(ctx context.Context, s *Session) error {
	monitor := o.monitor(s.ID)
	deferrals := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready := ReadyStages(s.Stages)
		if len(ready) == 0 {
			if o.allStagesDone(s) {
				o.terminate(s, StateCompleted, &TerminalReason{
					Summary: fmt.Sprintf("all %d stages completed", len(s.Stages)),
				})
				return nil
			}
			// Nothing runnable but work remains: failed stages need handling.
			o.transition(s, StateObstacleHandling, "no runnable stages remain")
			return nil
		}

		for _, st := range ready {
			st.Status = StageRunning
		}
		outcomes, err := o.dispatcher.RunBatch(ctx, ready)
		if errors.Is(err, ErrNoCapacity) {
			for _, st := range ready {
				st.Status = StagePending
			}
			deferrals++
			if deferrals > maxCapacityDeferrals {
				o.terminate(s, StateAborted, &TerminalReason{
					Summary: "execution capacity unavailable",
				})
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(capacityRetryDelay):
			}
			continue
		}
		if err != nil {
			return err
		}
		deferrals = 0

		failures := o.applyOutcomes(s, ready, outcomes, monitor)
		snap := monitor.Observe(s)
		o.persistSnapshot(s, snap)
		o.persist(s)

		if failures > 0 {
			o.transition(s, StateObstacleHandling,
				fmt.Sprintf("%d stage failures in last batch", failures))
			return nil
		}
		// Monitor signals (stall, confidence decay) revise the prompts of
		// stages still waiting to run.
		if len(o.latestSignals(s)) > 0 && o.anyPending(s) {
			o.transition(s, StateObstacleHandling, "monitor flagged execution anomalies")
			return nil
		}
	}
}

// latestSignals returns the stall and confidence-decay obstacles from the
// newest progress snapshot. Retry exhaustion is escalated separately.
func (o *Orchestrator) latestSignals(s *Session) []Obstacle {
	if len(s.Snapshots) == 0 {
		return nil
	}
	var out []Obstacle
	for _, obs := range s.Snapshots[len(s.Snapshots)-1].Obstacles {
		if obs.Kind == ObstacleStall || obs.Kind == ObstacleConfidenceDecay {
			out = append(out, obs)
		}
	}
	return out
}

// applyOutcomes folds batch results into the stages, keyed by ID so outcome
// order never matters. Returns the number of failed attempts.
func (o *Orchestrator) applyOutcomes(s *Session, batch []*Stage,
	outcomes map[string]StageOutcome, monitor *ProgressMonitor) int {

	failures := 0
	for _, st := range batch {
		out, ok := outcomes[st.ID]
		if !ok {
			st.Status = StagePending
			continue
		}
		if out.Err == nil {
			st.Status = StageSucceeded
			st.Output = out.Output
			conf := out.Confidence
			if !out.HasConfidence {
				conf = neutralConfidence
			}
			st.Confidence = conf
			monitor.RecordSuccess(conf)
			continue
		}

		failures++
		st.Retries++
		st.LastError = out.Err.Error()
		if st.Retries >= st.MaxRetries {
			st.Status = StageFailed
			logging.EngineWarn("stage %s exhausted %d retries: %v", st.ID, st.MaxRetries, out.Err)
		} else {
			st.Status = StagePending
			logging.EngineInfo("stage %s attempt %d failed: %v", st.ID, st.Retries, out.Err)
		}
	}
	return failures
}

// handleObstacles remediates the latest snapshot's obstacles. Retryable
// failures get adjusted prompts; an exhausted stage escalates to one
// re-plan, then to aborted.
func (o *Orchestrator) handleObstacles(ctx context.Context, s *Session) {
	for _, st := range s.Stages {
		if st.Status == StageFailed {
			o.escalateExhausted(s, st)
			return
		}
	}

	// Retryable failures: adjust each affected stage's prompt.
	adjusted := 0
	touched := make(map[string]bool)
	for _, st := range s.Stages {
		if st.Status != StagePending || st.Retries == 0 {
			continue
		}
		obs := Obstacle{
			Kind:       classifyFailure(st.LastError),
			StageID:    st.ID,
			Detail:     st.LastError,
			DetectedAt: time.Now(),
		}
		o.adjuster.Adjust(ctx, st, obs)
		touched[st.ID] = true
		adjusted++
	}

	// Monitor signals apply to every stage still waiting to run; a stage
	// already adjusted for its own failure is left alone.
	for _, obs := range o.latestSignals(s) {
		for _, st := range s.Stages {
			if st.Status != StagePending || touched[st.ID] {
				continue
			}
			if obs.StageID != "" && obs.StageID != st.ID {
				continue
			}
			o.adjuster.Adjust(ctx, st, obs)
			touched[st.ID] = true
			adjusted++
		}
	}

	detail := "resuming execution"
	if adjusted > 0 {
		detail = fmt.Sprintf("adjusted %d stage prompts", adjusted)
	}
	o.transition(s, StateExecuting, detail)
}

// escalateExhausted handles a stage that used every retry: one attempt at a
// different path, then the aborted terminal.
func (o *Orchestrator) escalateExhausted(s *Session, st *Stage) {
	o.mu.Lock()
	replans := o.replans[s.ID]
	o.replans[s.ID]++
	o.mu.Unlock()

	if replans == 0 && s.SelectedPath != nil {
		logging.EngineWarn("stage %s exhausted retries, trying a different path", st.ID)
		o.transition(s, StatePathSelection, fmt.Sprintf("stage %s exhausted retries", st.ID))
		return
	}

	o.terminate(s, StateAborted, &TerminalReason{
		Summary:     fmt.Sprintf("stage %q failed after %d retries: %s", st.Description, st.MaxRetries, st.LastError),
		FailedStage: st.ID,
	})
}

// classifyFailure maps a stage error string to an obstacle kind.
func classifyFailure(detail string) ObstacleKind {
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline") {
		return ObstacleTimeout
	}
	return ObstacleProviderError
}

func (o *Orchestrator) anyPending(s *Session) bool {
	for _, st := range s.Stages {
		if st.Status == StagePending {
			return true
		}
	}
	return false
}

func (o *Orchestrator) allStagesDone(s *Session) bool {
	for _, st := range s.Stages {
		if st.Status != StageSucceeded && st.Status != StageSkipped {
			return false
		}
	}
	return true
}

func (o *Orchestrator) monitor(sessionID string) *ProgressMonitor {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.monitors[sessionID]
	if !ok {
		m = NewProgressMonitor(o.cfg.Engine, nil)
		o.monitors[sessionID] = m
	}
	return m
}

// transition moves a session to a new state, persisting at the boundary.
func (o *Orchestrator) transition(s *Session, next SessionState, detail string) {
	logging.EngineInfo("session %s: %s -> %s (%s)", s.ID, s.State, next, detail)
	s.State = next
	s.UpdatedAt = time.Now()
	o.persist(s)
	o.emit(s, detail)
}

// terminate moves a session to a terminal state with a structured reason.
func (o *Orchestrator) terminate(s *Session, state SessionState, reason *TerminalReason) {
	s.Reason = reason
	o.transition(s, state, reason.Summary)
}

// persist writes the session document. Store failures are logged, not
// fatal; the in-memory session remains authoritative for this process.
func (o *Orchestrator) persist(s *Session) {
	if o.store == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		logging.StoreError("failed to marshal session %s: %v", s.ID, err)
		return
	}
	rec := store.SessionRecord{
		ID:      s.ID,
		State:   string(s.State),
		Payload: payload,
	}
	if s.Reason != nil {
		rec.TerminalReason = s.Reason.Summary
	}
	if err := o.store.SaveSession(rec); err != nil {
		logging.StoreError("failed to persist session %s: %v", s.ID, err)
	}
}

func (o *Orchestrator) persistSnapshot(s *Session, snap ProgressSnapshot) {
	if o.store == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		logging.StoreError("failed to marshal snapshot for %s: %v", s.ID, err)
		return
	}
	if err := o.store.AppendSnapshot(s.ID, payload); err != nil {
		logging.StoreError("failed to append snapshot for %s: %v", s.ID, err)
	}
}

// emit sends an event without blocking.
func (o *Orchestrator) emit(s *Session, detail string) {
	select {
	case o.events <- Event{SessionID: s.ID, State: s.State, Detail: detail, At: time.Now()}:
	default:
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
