package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cascade/internal/perception"
	"cascade/internal/resource"
)

func nominalMonitor() resource.Monitor {
	return &resource.StaticMonitor{}
}

func TestRunBatchOutcomesKeyedByStage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	inv := &scriptedInvoker{response: "done", confidence: 0.9}
	d := NewDispatcher(testEngineConfig(), inv, nominalMonitor())

	stages := []*Stage{
		{ID: "a", Prompt: "first", Timeout: time.Second},
		{ID: "b", Prompt: "second", Timeout: time.Second},
		{ID: "c", Prompt: "third", Timeout: time.Second},
	}
	outcomes, err := d.RunBatch(context.Background(), stages)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	for _, id := range []string{"a", "b", "c"} {
		out, ok := outcomes[id]
		require.True(t, ok, "missing outcome for %s", id)
		assert.NoError(t, out.Err)
		assert.Equal(t, "done", out.Output)
		assert.True(t, out.HasConfidence)
		assert.Equal(t, 0.9, out.Confidence)
	}
}

func TestRunBatchOneFailureDoesNotCancelSiblings(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	inv := &scriptedInvoker{failures: 1, response: "done"}
	d := NewDispatcher(testEngineConfig(), inv, nominalMonitor())

	stages := []*Stage{
		{ID: "a", Prompt: "first"},
		{ID: "b", Prompt: "second"},
	}
	outcomes, err := d.RunBatch(context.Background(), stages)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	failed, succeeded := 0, 0
	for _, out := range outcomes {
		if out.Err != nil {
			assert.True(t, perception.IsRetryable(out.Err))
			failed++
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, succeeded)
}

func TestRunBatchDefersUnderCriticalPressure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	inv := &scriptedInvoker{response: "done"}
	critical := &resource.StaticMonitor{Snap: resource.Snapshot{ThermalState: resource.ThermalCritical}}
	d := NewDispatcher(testEngineConfig(), inv, critical)

	_, err := d.RunBatch(context.Background(), []*Stage{{ID: "a", Prompt: "first"}})
	require.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 0, inv.calls)
}

func TestRunBatchEmpty(t *testing.T) {
	d := NewDispatcher(testEngineConfig(), &scriptedInvoker{}, nominalMonitor())

	outcomes, err := d.RunBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRunBatchHonorsCancellation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	inv := &scriptedInvoker{response: "done"}
	d := NewDispatcher(testEngineConfig(), inv, nominalMonitor())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := d.RunBatch(ctx, []*Stage{{ID: "a", Prompt: "first"}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes["a"].Err)
}
