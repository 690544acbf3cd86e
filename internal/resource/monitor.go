// Package resource reports execution capacity. The feasibility validator
// reads a snapshot when judging resource constraints and the stage
// dispatcher sizes its batches from the same numbers.
package resource

import (
	"runtime"
	"sync"
	"time"

	"cascade/internal/logging"
)

// ThermalState is a coarse pressure signal derived from memory utilization.
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalElevated ThermalState = "elevated"
	ThermalCritical ThermalState = "critical"
)

// Snapshot is a point-in-time view of capacity.
type Snapshot struct {
	UsedMemoryMB      int
	AvailableMemoryMB int
	Utilization       float64 // 0.0-1.0 against the configured ceiling
	ThermalState      ThermalState
	TakenAt           time.Time
}

// Monitor produces capacity snapshots.
type Monitor interface {
	Snapshot() Snapshot
}

// RuntimeMonitor reads live heap usage against a configured ceiling.
type RuntimeMonitor struct {
	mu        sync.Mutex
	ceilingMB int
	last      Snapshot
	minGap    time.Duration
}

// NewRuntimeMonitor creates a monitor with the given memory ceiling in MB.
// A ceiling of zero means unlimited; utilization then stays at zero.
func NewRuntimeMonitor(ceilingMB int) *RuntimeMonitor {
	return &RuntimeMonitor{ceilingMB: ceilingMB, minGap: time.Second}
}

// Snapshot implements Monitor. Readings are rate-limited; within the gap the
// previous snapshot is returned.
func (m *RuntimeMonitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.last.TakenAt.IsZero() && time.Since(m.last.TakenAt) < m.minGap {
		return m.last
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := int(ms.Alloc / 1024 / 1024)

	snap := Snapshot{
		UsedMemoryMB: usedMB,
		TakenAt:      time.Now(),
		ThermalState: ThermalNominal,
	}
	if m.ceilingMB > 0 {
		snap.AvailableMemoryMB = m.ceilingMB - usedMB
		if snap.AvailableMemoryMB < 0 {
			snap.AvailableMemoryMB = 0
		}
		snap.Utilization = float64(usedMB) / float64(m.ceilingMB)
		switch {
		case snap.Utilization > 0.9:
			snap.ThermalState = ThermalCritical
		case snap.Utilization > 0.7:
			snap.ThermalState = ThermalElevated
		}
	}

	if snap.ThermalState != ThermalNominal {
		logging.MonitorWarn("capacity pressure: %dMB used, state=%s", usedMB, snap.ThermalState)
	}

	m.last = snap
	return snap
}

// EstimateSlots reduces a requested concurrency level to what the snapshot
// supports. Critical pressure yields zero slots.
func EstimateSlots(snap Snapshot, requested int) (slots int, reason string) {
	if requested < 1 {
		return 0, "no slots requested"
	}
	switch snap.ThermalState {
	case ThermalCritical:
		return 0, "memory utilization critical"
	case ThermalElevated:
		slots = requested / 2
		if slots < 1 {
			slots = 1
		}
		return slots, "reduced due to memory pressure"
	default:
		return requested, ""
	}
}

// StaticMonitor returns a fixed snapshot. Used by tests and by the engine
// when no ceiling is configured.
type StaticMonitor struct {
	Snap Snapshot
}

// Snapshot implements Monitor.
func (s *StaticMonitor) Snapshot() Snapshot {
	snap := s.Snap
	if snap.ThermalState == "" {
		snap.ThermalState = ThermalNominal
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	return snap
}
