// Package scoring turns normalized votes into bounded category scores, final
// scores and grades.
//
// Every formula generation of the dataset is a named Profile. Nothing in this
// package falls back to a default profile, a default category score or a
// default grade: gaps are reported as errors so callers decide what to show.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

var (
	// ErrIncomplete means a category has no countable evaluations yet.
	ErrIncomplete = errors.New("category not yet computable")
	// ErrMissingCategory means a final score was requested without all ten categories.
	ErrMissingCategory = errors.New("missing category scores")
	// ErrOutOfRange means a category score lies outside the profile's range.
	ErrOutOfRange = errors.New("category score out of range")
	// ErrInvalidProfile is returned by Profile.Validate.
	ErrInvalidProfile = errors.New("invalid scoring profile")
)

// Combinator selects how ten category scores become a final score.
type Combinator string

const (
	// CombineSum adds the ten category scores.
	CombineSum Combinator = "sum"
	// CombineMean10 averages the ten category scores and multiplies by ten.
	CombineMean10 Combinator = "mean10"
)

// Profile is one versioned scoring formula.
type Profile struct {
	Name        string     `yaml:"name" json:"name"`
	Rating      string     `yaml:"rating" json:"rating"`
	Prior       float64    `yaml:"prior" json:"prior"`
	Coefficient float64    `yaml:"coefficient" json:"coefficient"`
	Scale       float64    `yaml:"scale" json:"scale"`
	CategoryMin float64    `yaml:"category_min" json:"category_min"`
	CategoryMax float64    `yaml:"category_max" json:"category_max"`
	Final       Combinator `yaml:"final" json:"final"`
	FinalMin    float64    `yaml:"final_min" json:"final_min"`
	FinalMax    float64    `yaml:"final_max" json:"final_max"`
	Grades      Ladder     `yaml:"grades" json:"grades"`
}

// CategoryResult is the aggregate for one (subject, category, evaluator).
type CategoryResult struct {
	Category source.Category
	Score    float64
	// Count is the number of votes in the mean.
	Count int
	// Excluded is the number of exclude-sentinel votes dropped.
	Excluded int
}

// RatingScale resolves the profile's label table.
func (p Profile) RatingScale() (rating.Scale, error) {
	return rating.Lookup(p.Rating)
}

// Validate checks the profile is internally consistent.
func (p Profile) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidProfile, p.Name, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.Name) == "" {
		return fail("name is required")
	}
	if _, err := p.RatingScale(); err != nil {
		return fail("%v", err)
	}
	if p.Coefficient <= 0 || p.Scale <= 0 {
		return fail("coefficient and scale must be positive")
	}
	if p.CategoryMin >= p.CategoryMax {
		return fail("category_min must be below category_max")
	}
	if p.FinalMin >= p.FinalMax {
		return fail("final_min must be below final_max")
	}
	switch p.Final {
	case CombineSum, CombineMean10:
	default:
		return fail("unknown final combinator %q", p.Final)
	}

	n := float64(len(source.AllCategories()))
	lo, hi := p.CategoryMin*n, p.CategoryMax*n
	if p.Final == CombineMean10 {
		lo, hi = p.CategoryMin*10, p.CategoryMax*10
	}
	if !almostEqual(lo, p.FinalMin) || !almostEqual(hi, p.FinalMax) {
		return fail("final range [%g,%g] does not match the combined category range [%g,%g]",
			p.FinalMin, p.FinalMax, lo, hi)
	}

	if err := p.Grades.Validate(p.FinalMin); err != nil {
		return fail("%v", err)
	}
	return nil
}

// CategoryScore computes (PRIOR + mean*COEFFICIENT) * SCALE, clamped to the
// category range. scores must already exclude sentinel votes.
func (p Profile) CategoryScore(scores []int) (float64, error) {
	if len(scores) == 0 {
		return 0, ErrIncomplete
	}

	sum := 0
	for _, s := range scores {
		sum += s
	}
	mean := float64(sum) / float64(len(scores))

	v := (p.Prior + mean*p.Coefficient) * p.Scale
	return clamp(v, p.CategoryMin, p.CategoryMax), nil
}

// Aggregate drops excluded votes and scores the rest.
func (p Profile) Aggregate(category source.Category, votes []rating.Vote) (CategoryResult, error) {
	res := CategoryResult{Category: category}

	scores := make([]int, 0, len(votes))
	for _, v := range votes {
		if v.Excluded {
			res.Excluded++
			continue
		}
		scores = append(scores, v.Score)
	}
	res.Count = len(scores)

	score, err := p.CategoryScore(scores)
	if err != nil {
		return res, fmt.Errorf("%s: %w", category, err)
	}
	res.Score = score
	return res, nil
}

// FinalScore combines exactly the ten category scores.
func (p Profile) FinalScore(categories map[source.Category]float64) (float64, error) {
	var missing []string
	total := 0.0
	for _, c := range source.AllCategories() {
		v, ok := categories[c]
		if !ok {
			missing = append(missing, string(c))
			continue
		}
		if math.IsNaN(v) || v < p.CategoryMin || v > p.CategoryMax {
			return 0, fmt.Errorf("%w: %s=%g outside [%g,%g]", ErrOutOfRange, c, v, p.CategoryMin, p.CategoryMax)
		}
		total += v
	}
	if len(missing) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingCategory, strings.Join(missing, ", "))
	}

	if p.Final == CombineMean10 {
		return total / float64(len(source.AllCategories())) * 10, nil
	}
	return total, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
