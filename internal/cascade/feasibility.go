package cascade

import (
	"fmt"
	"time"

	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/resource"
)

// Base effort in hours by complexity and scope.
var complexityHours = map[string]map[string]float64{
	"simple":   {"minimal": 2, "standard": 4, "comprehensive": 8},
	"moderate": {"minimal": 8, "standard": 16, "comprehensive": 32},
	"complex":  {"minimal": 16, "standard": 40, "comprehensive": 80},
}

var qualityMultipliers = map[string]float64{
	"mvp":        0.5,
	"production": 1.0,
	"polished":   1.5,
}

var maintainabilityMultipliers = map[string]float64{
	"quick_hack":   0.3,
	"maintainable": 1.0,
	"enterprise":   1.5,
}

// Quality level a path type can deliver, against the same scale the
// quality multipliers use.
var pathQualityFactor = map[PathType]float64{
	PathOptimal:    1.0,
	PathFast:       0.7,
	PathThorough:   1.5,
	PathMinimal:    0.5,
	PathWorkaround: 0.6,
}

// Rough per-stage working-set estimate for the memory check.
const stageMemoryMB = 64

// EstimateHours estimates the effort a constraint set implies: the
// complexity by scope base, scaled by quality and maintainability demands.
func EstimateHours(constraints []Constraint) float64 {
	complexity := "moderate"
	scope := "standard"
	quality := "production"
	maintainability := "maintainable"

	for _, c := range constraints {
		switch c.Kind {
		case ConstraintTechnical:
			switch c.Value {
			case "simple", "complex":
				complexity = c.Value
			case "quick_hack", "maintainable", "enterprise":
				maintainability = c.Value
			}
		case ConstraintQuality:
			if _, ok := qualityMultipliers[c.Value]; ok {
				quality = c.Value
			}
		}
	}
	if quality == "mvp" {
		scope = "minimal"
	}

	base := complexityHours[complexity][scope]
	return base * qualityMultipliers[quality] * maintainabilityMultipliers[maintainability]
}

// Validator scores whether a Path satisfies the constraint set given
// current resources.
type Validator struct {
	cfg config.EngineConfig
}

// NewValidator creates a validator.
func NewValidator(cfg config.EngineConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate always produces a verdict for in-range inputs. The only error is
// a constraint weight outside [0,1], which is a validation failure, never
// clamped away.
func (v *Validator) Validate(path Path, constraints []Constraint, snap resource.Snapshot) (FeasibilityVerdict, error) {
	for _, c := range constraints {
		if err := validateUnit("constraint weight", c.Weight); err != nil {
			return FeasibilityVerdict{}, fmt.Errorf("constraint %q: %w", c.Description, err)
		}
	}
	if err := validateUnit("path risk", path.EstimatedRisk); err != nil {
		return FeasibilityVerdict{}, fmt.Errorf("path %q: %w", path.ID, err)
	}

	verdict := FeasibilityVerdict{EvaluatedAt: time.Now()}
	capped := false

	penalty := 0.0
	for _, c := range constraints {
		severity, detail := v.violationSeverity(path, c, constraints, snap)
		if severity <= 0 {
			continue
		}
		if severity > 1 {
			severity = 1
		}
		verdict.Violations = append(verdict.Violations, Violation{
			ConstraintID: c.ID, Severity: severity, Detail: detail,
		})
		verdict.Blocking = append(verdict.Blocking, c.ID)
		penalty += severity * c.Weight
		if severity > v.cfg.SeverityCap {
			capped = true
		}
	}

	score := 1 - penalty
	if score < 0 {
		score = 0
	}
	verdict.Score = score

	// Conflicting same-kind constraints are surfaced on every verdict so
	// neither side of a conflict disappears from view.
	for _, c := range constraints {
		if len(c.ConflictsWith) > 0 {
			verdict.Conflicts = append(verdict.Conflicts, c.ID)
		}
	}

	switch {
	case capped, score < v.cfg.MinFeasibilityThreshold:
		verdict.Status = Infeasible
	case score < v.cfg.ConfidentFeasibilityThreshold:
		verdict.Status = DegradedQuality
	default:
		verdict.Status = Feasible
	}

	logging.PlannerDebug("verdict for path %s: %s score=%.2f violations=%d",
		path.Type, verdict.Status, verdict.Score, len(verdict.Violations))
	return verdict, nil
}

// violationSeverity estimates how badly the path breaks one constraint.
// Zero means no violation.
func (v *Validator) violationSeverity(path Path, c Constraint, all []Constraint, snap resource.Snapshot) (float64, string) {
	switch c.Kind {
	case ConstraintTime:
		if c.Hours <= 0 || path.EstimatedHours <= c.Hours {
			return 0, ""
		}
		// Overrun relative to the budget; a 2x overrun saturates.
		severity := (path.EstimatedHours - c.Hours) / c.Hours
		return severity, fmt.Sprintf("estimated %.1fh exceeds %.1fh budget",
			path.EstimatedHours, c.Hours)

	case ConstraintBudget:
		switch c.Value {
		case "dollars":
			cost := float64(path.EstimatedStages) * 10
			if c.Hours <= 0 || cost <= c.Hours {
				return 0, ""
			}
			return (cost - c.Hours) / c.Hours,
				fmt.Sprintf("estimated cost %.0f exceeds budget %.0f", cost, c.Hours)
		case "low":
			if path.Type == PathThorough {
				return 0.5, "thorough approach conflicts with low budget"
			}
		}
		return 0, ""

	case ConstraintQuality:
		required, ok := qualityMultipliers[c.Value]
		if !ok {
			// Named targets like low-latency count against high-risk paths.
			if path.EstimatedRisk > 0.6 {
				return path.EstimatedRisk - 0.6,
					fmt.Sprintf("risk %.2f endangers %s target", path.EstimatedRisk, c.Value)
			}
			return 0, ""
		}
		offered := pathQualityFactor[path.Type]
		if offered >= required {
			return 0, ""
		}
		return (required - offered) / required,
			fmt.Sprintf("%s path delivers below %s quality", path.Type, c.Value)

	case ConstraintTechnical:
		if c.Value == "complex" && hasTechnicalValue(all, "beginner") {
			return 0.7, "complex work exceeds beginner skill level"
		}
		if snap.AvailableMemoryMB > 0 {
			need := path.EstimatedStages * stageMemoryMB
			if need > snap.AvailableMemoryMB {
				return float64(need-snap.AvailableMemoryMB) / float64(need),
					fmt.Sprintf("%dMB needed, %dMB available", need, snap.AvailableMemoryMB)
			}
		}
		if snap.ThermalState == resource.ThermalCritical {
			return 0.9, "capacity critical"
		}
		return 0, ""
	}
	return 0, ""
}

func hasTechnicalValue(constraints []Constraint, value string) bool {
	for _, c := range constraints {
		if c.Kind == ConstraintTechnical && c.Value == value {
			return true
		}
	}
	return false
}
