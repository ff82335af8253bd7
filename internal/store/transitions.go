package store

import "clinicq/internal/models"

// visitGraph is the closed transition graph for visit statuses. Cancellation
// and no-show are reachable from every non-terminal pre-treatment state; the
// feedback tail runs off the end of treatment.
var visitGraph = map[string][]string{
	models.StatusBooked:            {models.StatusConfirmed, models.StatusCheckedIn, models.StatusCancelled, models.StatusNoShow},
	models.StatusConfirmed:         {models.StatusCheckedIn, models.StatusCancelled, models.StatusNoShow},
	models.StatusCheckedIn:         {models.StatusWaiting, models.StatusCancelled, models.StatusNoShow},
	models.StatusWaiting:           {models.StatusCalled, models.StatusCancelled, models.StatusNoShow},
	models.StatusCalled:            {models.StatusInTreatment, models.StatusCancelled, models.StatusNoShow},
	models.StatusInTreatment:       {models.StatusCompleted, models.StatusCancelled, models.StatusNoShow},
	models.StatusCompleted:         {models.StatusFeedbackScheduled},
	models.StatusFeedbackScheduled: {models.StatusFeedbackSent},
	models.StatusFeedbackSent:      {},
	models.StatusCancelled:         {},
	models.StatusNoShow:            {},
}

// CanTransition reports whether a visit may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range visitGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	next, ok := visitGraph[status]
	return ok && len(next) == 0
}

// ActiveInQueue reports whether a visit status still holds a place in the
// queue. Terminal rows must not count toward anyone's wait estimate.
func ActiveInQueue(status string) bool {
	switch status {
	case models.StatusWaiting, models.StatusCalled, models.StatusInTreatment:
		return true
	default:
		return false
	}
}

// legacyStatuses maps status spellings that drifted across older data
// imports onto the closed enumeration. Applied once at the boundary; store
// internals only ever see canonical values.
var legacyStatuses = map[string]string{
	"in_service": models.StatusInTreatment,
	"serving":    models.StatusInTreatment,
	"done":       models.StatusCompleted,
	"canceled":   models.StatusCancelled,
	"noshow":     models.StatusNoShow,
}

// NormalizeStatus canonicalizes a raw status value.
func NormalizeStatus(raw string) string {
	if canonical, ok := legacyStatuses[raw]; ok {
		return canonical
	}
	return raw
}
