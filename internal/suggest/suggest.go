// Package suggest ranks candidate games for a finalized attendee set.
package suggest

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/models"
)

// MinOptions is the smallest poll worth opening.
const MinOptions = 2

type Input struct {
	Attendees []string
	// GroupSize defaults to len(Attendees) when zero.
	GroupSize int
	Tags      []string
	// WeightUsers narrows the owner count to this subset of attendees.
	WeightUsers []string
	TopN        int
	Owned       map[string][]string
	Games       map[string]models.Game
}

type Suggestion struct {
	GameID       string   `json:"game_id"`
	Name         string   `json:"name"`
	SharedOwners int      `json:"shared_owners"`
	Score        float64  `json:"score"`
	Rating       *float64 `json:"rating,omitempty"`
	MaxPlayers   int      `json:"max_players"`
}

// Rank filters by capacity, then tags, then orders survivors by shared
// owner count desc, rating desc (unrated last), name asc and id asc.
// Fewer than MinOptions survivors is NoSuitableGames.
func Rank(in Input) ([]Suggestion, error) {
	pool := countingPool(in.Attendees, in.WeightUsers)
	groupSize := in.GroupSize
	if groupSize <= 0 {
		groupSize = len(in.Attendees)
	}

	counts := make(map[string]int)
	for _, u := range in.Attendees {
		if _, ok := pool[u]; !ok {
			continue
		}
		seen := make(map[string]bool)
		for _, id := range in.Owned[u] {
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[id]++
		}
	}

	candidates := make([]Suggestion, 0, len(counts))
	for id, n := range counts {
		game, ok := in.Games[id]
		if !ok {
			continue
		}
		if game.MaxPlayers > 0 && game.MaxPlayers < groupSize {
			continue
		}
		if len(in.Tags) > 0 && !game.HasAnyTag(in.Tags) {
			continue
		}
		score := 0.0
		if len(pool) > 0 {
			score = float64(n) / float64(len(pool))
		}
		candidates = append(candidates, Suggestion{
			GameID:       id,
			Name:         game.Name,
			SharedOwners: n,
			Score:        score,
			Rating:       game.Rating,
			MaxPlayers:   game.MaxPlayers,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j])
	})

	if len(candidates) < MinOptions {
		return nil, apperr.New(apperr.KindNoSuitableGames,
			"only %d game(s) fit group size %d", len(candidates), groupSize).
			WithMeta("candidates", strconv.Itoa(len(candidates)))
	}
	if in.TopN > 0 && len(candidates) > in.TopN {
		candidates = candidates[:in.TopN]
	}
	return candidates, nil
}

// Less is the total order used for ranking.
func Less(a, b Suggestion) bool {
	if a.SharedOwners != b.SharedOwners {
		return a.SharedOwners > b.SharedOwners
	}
	switch {
	case a.Rating != nil && b.Rating == nil:
		return true
	case a.Rating == nil && b.Rating != nil:
		return false
	case a.Rating != nil && *a.Rating != *b.Rating:
		return *a.Rating > *b.Rating
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c < 0
	}
	return a.GameID < b.GameID
}

func countingPool(attendees, weight []string) map[string]struct{} {
	pool := make(map[string]struct{}, len(attendees))
	if len(weight) == 0 {
		for _, u := range attendees {
			pool[u] = struct{}{}
		}
		return pool
	}
	attending := make(map[string]bool, len(attendees))
	for _, u := range attendees {
		attending[u] = true
	}
	for _, u := range weight {
		if attending[u] {
			pool[u] = struct{}{}
		}
	}
	return pool
}
