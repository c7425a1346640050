// Package resolver merges explicit availability responses with weekly
// defaults into the finalized attendee set.
//
// Resolve is a pure function of its input: the same persisted responses and
// weekly sets always produce the same result, which is what makes finalize
// safe to retry.
package resolver

import (
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/Gopher0727/GameNight/internal/models"
)

type Input struct {
	StartAt   time.Time
	Roster    []string
	Responses map[string]models.ResponseStatus
	Slots     *models.WeeklySlotConfig
	// Weekly maps user id to the set of weekly slot ids the user picked.
	Weekly map[string]*bitset.BitSet
}

type Result struct {
	Attendees []string `json:"attendees"`
	Maybe     []string `json:"maybe"`
	Declined  []string `json:"declined"`
	// Implicit lists attendees who qualified through their weekly default.
	Implicit []string `json:"implicit"`
}

// Resolve decides every candidate. Candidates are the roster plus anyone who
// responded explicitly. Without an explicit response a user attends only if
// the event falls into a weekly slot they picked.
func Resolve(in Input) Result {
	candidates := make(map[string]struct{}, len(in.Roster)+len(in.Responses))
	for _, u := range in.Roster {
		candidates[u] = struct{}{}
	}
	for u := range in.Responses {
		candidates[u] = struct{}{}
	}

	slot, hasSlot := in.Slots.Match(in.StartAt)

	res := Result{
		Attendees: []string{},
		Maybe:     []string{},
		Declined:  []string{},
		Implicit:  []string{},
	}
	for u := range candidates {
		if status, ok := in.Responses[u]; ok {
			switch status {
			case models.StatusYes:
				res.Attendees = append(res.Attendees, u)
			case models.StatusMaybe:
				res.Maybe = append(res.Maybe, u)
			default:
				res.Declined = append(res.Declined, u)
			}
			continue
		}
		if hasSlot {
			if set := in.Weekly[u]; set != nil && set.Test(slot.ID) {
				res.Attendees = append(res.Attendees, u)
				res.Implicit = append(res.Implicit, u)
				continue
			}
		}
		res.Declined = append(res.Declined, u)
	}

	sort.Strings(res.Attendees)
	sort.Strings(res.Maybe)
	sort.Strings(res.Declined)
	sort.Strings(res.Implicit)
	return res
}
