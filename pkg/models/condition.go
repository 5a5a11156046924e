package models

import "time"

// ConditionKind selects how a condition is evaluated
type ConditionKind string

const (
	ConditionResource   ConditionKind = "resource"
	ConditionTime       ConditionKind = "time"
	ConditionDependency ConditionKind = "dependency"
)

// Condition gates the dispatch of a task. Evaluation is a pure function of
// the condition and the scheduling context; conditions never mutate anything.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// RequiredResources (resource kind): minimum amount per named quantity.
	RequiredResources map[string]float64 `json:"required_resources,omitempty"`

	// NotBefore/NotAfter (time kind): dispatch window, either side optional.
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`

	// RequiredTasks (dependency kind): ids that must have completed.
	RequiredTasks []string `json:"required_tasks,omitempty"`
}

// ResourceCondition requires each named quantity to be at least the given
// amount in the scheduling context.
func ResourceCondition(required map[string]float64) Condition {
	return Condition{Kind: ConditionResource, RequiredResources: required}
}

// TimeWindow restricts dispatch to [notBefore, notAfter]. A nil bound leaves
// that side unbounded.
func TimeWindow(notBefore, notAfter *time.Time) Condition {
	return Condition{Kind: ConditionTime, NotBefore: notBefore, NotAfter: notAfter}
}

// DependsOn requires all the given task ids to have completed.
func DependsOn(taskIDs ...string) Condition {
	return Condition{Kind: ConditionDependency, RequiredTasks: taskIDs}
}

// Met reports whether the condition holds against the given context.
// An unknown kind fails closed.
func (c Condition) Met(sc *SchedulingContext) bool {
	switch c.Kind {
	case ConditionResource:
		for name, min := range c.RequiredResources {
			have, ok := sc.Resources[name]
			if !ok || have < min {
				return false
			}
		}
		return true

	case ConditionTime:
		if c.NotBefore != nil && sc.Now.Before(*c.NotBefore) {
			return false
		}
		if c.NotAfter != nil && sc.Now.After(*c.NotAfter) {
			return false
		}
		return true

	case ConditionDependency:
		for _, id := range c.RequiredTasks {
			if _, ok := sc.CompletedTasks[id]; !ok {
				return false
			}
		}
		return true

	default:
		return false
	}
}
