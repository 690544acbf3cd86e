package cascade

import (
	"fmt"
	"time"

	"cascade/internal/config"
	"cascade/internal/logging"
)

// ProgressMonitor observes stage execution and appends snapshots to the
// session's history. Snapshots are append-only; the monitor never rewrites
// earlier observations.
type ProgressMonitor struct {
	cfg         config.EngineConfig
	lastSuccess time.Time
	confidences []float64
	now         func() time.Time
}

// NewProgressMonitor creates a monitor. The clock is injectable for tests.
func NewProgressMonitor(cfg config.EngineConfig, now func() time.Time) *ProgressMonitor {
	if now == nil {
		now = time.Now
	}
	m := &ProgressMonitor{cfg: cfg, now: now}
	m.lastSuccess = m.now()
	return m
}

// RecordSuccess notes a stage success and its confidence.
func (m *ProgressMonitor) RecordSuccess(confidence float64) {
	m.lastSuccess = m.now()
	m.confidences = append(m.confidences, confidence)
}

// Observe takes one snapshot of execution state, detecting obstacles and
// appending the result to the session history.
func (m *ProgressMonitor) Observe(s *Session) ProgressSnapshot {
	snap := ProgressSnapshot{
		TakenAt:     m.now(),
		TotalStages: len(s.Stages),
	}

	anyRunning := false
	for _, st := range s.Stages {
		switch st.Status {
		case StageSucceeded:
			snap.CompletedStages++
		case StageRunning:
			anyRunning = true
		case StageFailed:
			// A failed stage with retries left is not yet an obstacle.
			if st.Retries >= st.MaxRetries {
				snap.Obstacles = append(snap.Obstacles, Obstacle{
					Kind:       ObstacleRetryExhausted,
					StageID:    st.ID,
					Detail:     fmt.Sprintf("failed %d times: %s", st.Retries, st.LastError),
					DetectedAt: snap.TakenAt,
				})
			}
		}
	}

	if anyRunning && snap.TakenAt.Sub(m.lastSuccess) > m.cfg.StallWindow.Std() {
		snap.Obstacles = append(snap.Obstacles, Obstacle{
			Kind:       ObstacleStall,
			Detail:     fmt.Sprintf("no stage succeeded in %s", m.cfg.StallWindow.Std()),
			DetectedAt: snap.TakenAt,
		})
	}

	if trend, mean, ok := m.confidenceTrend(); ok {
		snap.ConfidenceTrend = trend
		if mean < m.cfg.ConfidenceFloor {
			snap.Obstacles = append(snap.Obstacles, Obstacle{
				Kind:       ObstacleConfidenceDecay,
				Detail:     fmt.Sprintf("mean confidence %.2f below floor %.2f", mean, m.cfg.ConfidenceFloor),
				DetectedAt: snap.TakenAt,
			})
		}
	}

	s.Snapshots = append(s.Snapshots, snap)
	if len(snap.Obstacles) > 0 {
		logging.MonitorWarn("snapshot %d/%d complete, %d obstacles",
			snap.CompletedStages, snap.TotalStages, len(snap.Obstacles))
	} else {
		logging.MonitorDebug("snapshot %d/%d complete", snap.CompletedStages, snap.TotalStages)
	}
	return snap
}

// confidenceTrend returns the moving window of stage confidences and its
// mean. A window shorter than configured reports nothing; a short run is
// not yet a trend.
func (m *ProgressMonitor) confidenceTrend() ([]float64, float64, bool) {
	w := m.cfg.ConfidenceWindow
	if len(m.confidences) < w {
		return nil, 0, false
	}
	window := m.confidences[len(m.confidences)-w:]
	trend := make([]float64, w)
	copy(trend, window)
	sum := 0.0
	for _, c := range window {
		sum += c
	}
	return trend, sum / float64(w), true
}
