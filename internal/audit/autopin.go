package audit

import "github.com/bistbash/School-Admissions-Core-sub004/internal/auth"

var writeActions = map[Action]bool{
	ActionCreate: true,
	ActionUpdate: true,
	ActionDelete: true,
}

var apiKeyPinnedResources = map[Resource]bool{
	ResourceSoldier:    true,
	ResourceStudent:    true,
	ResourceCohort:     true,
	ResourcePermission: true,
}

// autoPin decides whether an entry is pinned automatically. Security
// actions pin on severity alone; resource-based rules apply only to
// SUCCESS entries, since a failed attempt changed nothing.
func autoPin(e *Entry) bool {
	switch {
	case e.Action == ActionAuthFailed && e.Priority == PriorityCritical:
		return true
	case e.Action == ActionUnauthorizedAccess && e.Priority == PriorityHigh:
		return true
	}
	if e.Status != StatusSuccess {
		return false
	}
	viaAPIKey := e.AuthMethod == auth.MethodAPIKey
	switch {
	case e.Resource == ResourceAPIKey && e.Action == ActionCreate:
		return true
	case e.Resource == ResourceStudent && writeActions[e.Action]:
		return true
	case e.Resource == ResourceStudent && e.Action == ActionReadList && viaAPIKey:
		return true
	case viaAPIKey && writeActions[e.Action] && apiKeyPinnedResources[e.Resource]:
		return true
	}
	return false
}
