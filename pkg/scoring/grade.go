package scoring

import (
	"errors"
	"fmt"
	"math"
)

// ErrUngraded is returned for scores no tier covers.
var ErrUngraded = errors.New("score has no grade")

// Grade is one tier: every score >= Min and below the next tier's Min.
type Grade struct {
	Code  string  `yaml:"code" json:"code"`
	Name  string  `yaml:"name" json:"name"`
	Label string  `yaml:"label" json:"label"`
	Min   float64 `yaml:"min" json:"min"`
}

// Ladder is a grade table ordered from the highest tier down.
type Ladder []Grade

// Validate checks tiers are strictly descending and reach floor.
func (l Ladder) Validate(floor float64) error {
	if len(l) == 0 {
		return errors.New("grade ladder is empty")
	}
	seen := make(map[string]bool, len(l))
	for i, g := range l {
		if g.Code == "" {
			return fmt.Errorf("grade %d has no code", i)
		}
		if seen[g.Code] {
			return fmt.Errorf("grade code %q repeated", g.Code)
		}
		seen[g.Code] = true
		if i > 0 && g.Min >= l[i-1].Min {
			return fmt.Errorf("grade %q min %g is not below %q min %g", g.Code, g.Min, l[i-1].Code, l[i-1].Min)
		}
	}
	if last := l[len(l)-1]; last.Min > floor {
		return fmt.Errorf("lowest grade %q starts at %g, above the minimum score %g", last.Code, last.Min, floor)
	}
	return nil
}

// Classify returns the first tier whose Min the score reaches.
func (l Ladder) Classify(score float64) (Grade, error) {
	if math.IsNaN(score) {
		return Grade{}, fmt.Errorf("%w: NaN", ErrUngraded)
	}
	for _, g := range l {
		if score >= g.Min {
			return g, nil
		}
	}
	return Grade{}, fmt.Errorf("%w: %g", ErrUngraded, score)
}

// Upper returns the exclusive upper bound of tier i (+Inf for the top tier).
func (l Ladder) Upper(i int) float64 {
	if i == 0 {
		return math.Inf(1)
	}
	return l[i-1].Min
}

// tiers is the ten-step ladder shared by both built-in profiles, expressed
// on the 0..1000 final scale.
func tiers(div float64) Ladder {
	base := []Grade{
		{Code: "M", Name: "Mugunghwa", Label: "exceptional", Min: 920},
		{Code: "D", Name: "Diamond", Label: "outstanding", Min: 840},
		{Code: "E", Name: "Emerald", Label: "excellent", Min: 760},
		{Code: "P", Name: "Platinum", Label: "very good", Min: 680},
		{Code: "G", Name: "Gold", Label: "good", Min: 600},
		{Code: "S", Name: "Silver", Label: "fair", Min: 520},
		{Code: "B", Name: "Bronze", Label: "below average", Min: 440},
		{Code: "I", Name: "Iron", Label: "poor", Min: 360},
		{Code: "Tn", Name: "Tin", Label: "very poor", Min: 280},
		{Code: "L", Name: "Lead", Label: "failing", Min: 0},
	}
	for i := range base {
		base[i].Min /= div
	}
	return base
}
