package cascade

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/perception"
	"cascade/internal/resource"
)

// ErrNoCapacity means the resource monitor reported no free slots; the
// batch should be retried once pressure subsides.
var ErrNoCapacity = errors.New("no execution capacity available")

// StageOutcome is the result of one stage attempt, keyed by stage ID so
// batch completion order never matters.
type StageOutcome struct {
	StageID       string
	Output        string
	Confidence    float64
	HasConfidence bool
	Err           error
}

// Dispatcher runs batches of independent stages concurrently, bounded by
// both the configured ceiling and current resource capacity.
type Dispatcher struct {
	cfg       config.EngineConfig
	invoker   perception.Invoker
	resources resource.Monitor
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg config.EngineConfig, invoker perception.Invoker, resources resource.Monitor) *Dispatcher {
	return &Dispatcher{cfg: cfg, invoker: invoker, resources: resources}
}

// RunBatch executes the given stages, at most slots at a time, and returns
// every outcome keyed by stage ID. One stage's failure never cancels its
// siblings; obstacles are per-stage signals.
func (d *Dispatcher) RunBatch(ctx context.Context, stages []*Stage) (map[string]StageOutcome, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	slots, reason := resource.EstimateSlots(d.resources.Snapshot(), d.cfg.MaxConcurrentStages)
	if slots == 0 {
		logging.EngineWarn("dispatch deferred: %s", reason)
		return nil, ErrNoCapacity
	}
	if reason != "" {
		logging.EngineInfo("dispatching %d stages with %d slots: %s", len(stages), slots, reason)
	}

	sem := semaphore.NewWeighted(int64(slots))
	var mu sync.Mutex
	outcomes := make(map[string]StageOutcome, len(stages))

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range stages {
		st := st
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				outcomes[st.ID] = StageOutcome{StageID: st.ID, Err: err}
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			out := d.runStage(gctx, st)
			mu.Lock()
			outcomes[st.ID] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// runStage performs one bounded invocation of a stage's prompt.
func (d *Dispatcher) runStage(ctx context.Context, st *Stage) StageOutcome {
	stageCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	logging.EngineDebug("running stage %s: %s", st.ID, st.Description)
	res, err := d.invoker.Invoke(stageCtx, st.Prompt, perception.InvokeParams{
		Timeout: st.Timeout,
	})
	if err != nil {
		if perception.IsTimeout(err) {
			err = perception.ErrTimeout
		}
		return StageOutcome{StageID: st.ID, Err: err}
	}
	return StageOutcome{
		StageID:       st.ID,
		Output:        res.Text,
		Confidence:    res.Confidence,
		HasConfidence: res.HasConfidence,
	}
}
