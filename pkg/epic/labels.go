// Package epic bridges local planning entities to GitLab group epics.
package epic

import (
	"strings"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

const priorityLabelPrefix = "priority:"

// Entity states on the local side.
const (
	EntityStateOpen   = "open"
	EntityStateClosed = "closed"
)

// PriorityLabel renders a priority as its remote label form.
func PriorityLabel(priority string) string {
	return priorityLabelPrefix + priority
}

// ParsePriority extracts the priority from a label set. Labels that do
// not follow the priority grammar carry no priority.
func ParsePriority(labels []string) string {
	for _, label := range labels {
		if rest, ok := strings.CutPrefix(label, priorityLabelPrefix); ok && rest != "" {
			return rest
		}
	}

	return ""
}

// RemoteLabels builds the label set attached to the remote epic: the
// entity type, the priority, and any free-form entity labels.
func RemoteLabels(entity *store.PlanningEntity) []string {
	labels := []string{entity.EntityType}

	if entity.Priority != "" {
		labels = append(labels, PriorityLabel(entity.Priority))
	}

	for _, label := range strings.Split(entity.Labels, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}

	return labels
}

// FreeLabels returns the epic labels that carry no bridge meaning.
func FreeLabels(labels []string) []string {
	var out []string

	for _, label := range labels {
		switch {
		case strings.HasPrefix(label, priorityLabelPrefix):
		case isEntityType(label):
		default:
			out = append(out, label)
		}
	}

	return out
}

func isEntityType(label string) bool {
	switch label {
	case store.EntityRequirement, store.EntitySubsystem, store.EntityFeatureModule:
		return true
	default:
		return false
	}
}

// InferEntityType resolves the local entity type of a remote epic:
// explicit type labels win, then title keywords, then the default
// feature module type.
func InferEntityType(labels []string, title string) string {
	for _, label := range labels {
		if isEntityType(label) {
			return label
		}
	}

	lower := strings.ToLower(title)

	switch {
	case strings.Contains(lower, "requirement") || strings.Contains(title, "需求"):
		return store.EntityRequirement
	case strings.Contains(lower, "subsystem") || strings.Contains(title, "子系统"):
		return store.EntitySubsystem
	default:
		return store.EntityFeatureModule
	}
}

// EntityState maps a remote epic state to the local entity state.
func EntityState(epicState string) string {
	if epicState == "closed" {
		return EntityStateClosed
	}

	return EntityStateOpen
}

// EpicStateEvent returns the state_event needed to move a remote epic
// to match the local entity, or "" when no transition is needed.
func EpicStateEvent(entityStatus, epicState string) string {
	switch {
	case entityStatus == EntityStateClosed && epicState != "closed":
		return "close"
	case entityStatus != EntityStateClosed && epicState == "closed":
		return "reopen"
	default:
		return ""
	}
}
