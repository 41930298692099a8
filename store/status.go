package store

import "fmt"

// Status is the pipeline stage recorded in master_state.current_status.
type Status string

const (
	StatusPendingTriage               Status = "pending_triage"
	StatusPendingReview               Status = "pending_review"
	StatusPendingLearning             Status = "pending_learning"
	StatusPendingExtraction           Status = "pending_extraction"
	StatusPendingClustering           Status = "pending_clustering"
	StatusPendingRelationshipAnalysis Status = "pending_relationship_analysis"
	StatusCompleted                   Status = "completed"
	StatusError                       Status = "error"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusPendingTriage,
	StatusPendingReview,
	StatusPendingLearning,
	StatusPendingExtraction,
	StatusPendingClustering,
	StatusPendingRelationshipAnalysis,
	StatusCompleted,
	StatusError,
}

// transitions is the single source of truth for which status changes a
// stage may perform. Terminal statuses have no entry.
var transitions = map[Status]map[Status]struct{}{
	StatusPendingTriage: {
		StatusPendingReview: {},
		StatusError:         {},
	},
	StatusPendingReview: {
		StatusPendingExtraction: {},
		StatusPendingLearning:   {},
		StatusError:             {},
	},
	StatusPendingLearning: {
		StatusPendingTriage: {}, // knowledge loop back-edge
		StatusError:         {},
	},
	StatusPendingExtraction: {
		StatusPendingClustering: {},
		StatusError:             {},
	},
	StatusPendingClustering: {
		StatusPendingRelationshipAnalysis: {},
		StatusError:                       {},
	},
	StatusPendingRelationshipAnalysis: {
		StatusCompleted: {},
		StatusError:     {},
	},
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no stage ever moves a row out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Pending reports whether s is one of the pending_* statuses.
func (s Status) Pending() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// checkTransition returns ErrInvalidTransition when from -> to is not allowed.
func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
