// Package eta computes the projected wait for a queued visit. Estimates are
// a pure function of a ledger snapshot and are recomputed on every read, so
// the staff dashboard, public board, and patient tracker can never disagree.
package eta

import "time"

// AheadEntry is one active queue entry positioned before the target,
// ordered head first (lowest position first).
type AheadEntry struct {
	VisitID        string
	Position       int
	ServiceMinutes int
}

// InTreatment is one entry currently occupying a room.
type InTreatment struct {
	VisitID        string
	ServiceMinutes int
	StartedAt      time.Time
}

// Input is the snapshot the estimator runs over.
type Input struct {
	// ServiceMinutes is the target visit's own expected treatment duration.
	ServiceMinutes int
	// Ahead holds the active entries strictly before the target, head first.
	Ahead []AheadEntry
	// FreeRooms counts active rooms with no bound entry.
	FreeRooms int
	// InTreatment holds the entries currently occupying rooms.
	InTreatment []InTreatment
	Now         time.Time
}

// Estimate returns the projected wait in whole minutes.
//
// With no free room the wait is the soonest-freeing room's remaining time
// plus the target's own duration. With a free room and nobody ahead the
// visit can be called immediately. Otherwise the wait is ceil(ahead/free)
// rounds of the duration of the entry that will consume a room next, which
// is the head of the ahead set, not the target's own duration.
func Estimate(in Input) int {
	if in.FreeRooms <= 0 {
		if len(in.InTreatment) == 0 {
			return in.ServiceMinutes
		}
		soonest := -1
		for _, t := range in.InTreatment {
			rem := remainingMinutes(t, in.Now)
			if soonest < 0 || rem < soonest {
				soonest = rem
			}
		}
		return soonest + in.ServiceMinutes
	}

	ahead := len(in.Ahead)
	if ahead == 0 {
		return 0
	}

	rounds := (ahead + in.FreeRooms - 1) / in.FreeRooms
	return rounds * in.Ahead[0].ServiceMinutes
}

// remainingMinutes is the entry's expected duration minus elapsed time,
// rounded up to whole minutes and floored at zero for overrunning entries.
func remainingMinutes(t InTreatment, now time.Time) int {
	remaining := time.Duration(t.ServiceMinutes)*time.Minute - now.Sub(t.StartedAt)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Minute - 1) / time.Minute)
}
