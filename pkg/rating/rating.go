// Package rating maps symbolic rating labels to numeric scores.
//
// Every scale is a closed table: a label outside the table is rejected with
// ErrInvalidLabel and never treated as a neutral vote. The exclude sentinel
// "X" is accepted by every scale; it carries score 0 and is flagged so that
// aggregators drop it from the denominator.
package rating

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Exclude is the sentinel label meaning "do not count this item".
const Exclude = "X"

var (
	ErrInvalidLabel  = errors.New("invalid rating label")
	ErrScoreMismatch = errors.New("rating label and score disagree")
	ErrUnknownScale  = errors.New("unknown rating scale")
)

// Vote is a normalized rating.
type Vote struct {
	Label    string
	Score    int
	Excluded bool
}

// Scale is a fixed label table.
type Scale interface {
	Name() string
	// Normalize returns the vote for label or ErrInvalidLabel.
	Normalize(label string) (Vote, error)
	// Bounds returns the smallest and largest countable score.
	Bounds() (min, max int)
}

// Check verifies that a stored (label, score) pair is consistent under s.
func Check(s Scale, label string, score int) (Vote, error) {
	v, err := s.Normalize(label)
	if err != nil {
		return Vote{}, err
	}
	if v.Score != score {
		return Vote{}, fmt.Errorf("%w: %q maps to %d under %s, stored %d",
			ErrScoreMismatch, v.Label, v.Score, s.Name(), score)
	}
	return v, nil
}

// canonical trims the label and folds the Unicode minus sign to ASCII.
func canonical(label string) string {
	l := strings.TrimSpace(label)
	l = strings.ReplaceAll(l, "−", "-")
	return l
}

func isExclude(label string) bool {
	return strings.EqualFold(label, Exclude)
}

// StepScale is a discrete scale where each step maps to a fixed multiple.
type StepScale struct {
	name      string
	steps     int
	weight    int
	allowZero bool
}

// Normalize implements Scale.
func (s StepScale) Normalize(label string) (Vote, error) {
	l := canonical(label)
	if isExclude(l) {
		return Vote{Label: Exclude, Excluded: true}, nil
	}

	n, ok := parseSigned(l)
	if !ok || n < -s.steps || n > s.steps || (n == 0 && !s.allowZero) {
		return Vote{}, fmt.Errorf("%w: %q is not on the %s scale", ErrInvalidLabel, label, s.name)
	}
	return Vote{Label: formatSigned(n), Score: n * s.weight}, nil
}

// Name implements Scale.
func (s StepScale) Name() string { return s.name }

// Bounds implements Scale.
func (s StepScale) Bounds() (int, int) { return -s.steps * s.weight, s.steps * s.weight }

// Labels lists every countable label, highest first.
func (s StepScale) Labels() []string {
	var out []string
	for n := s.steps; n >= -s.steps; n-- {
		if n == 0 && !s.allowZero {
			continue
		}
		out = append(out, formatSigned(n))
	}
	return out
}

// parseSigned accepts "+3", "3", "-3" and "0". Anything with extra
// characters (decimals, words, spaces inside) is rejected.
func parseSigned(l string) (int, bool) {
	if l == "" {
		return 0, false
	}
	digits := l
	if l[0] == '+' || l[0] == '-' {
		digits = l[1:]
	}
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(l)
	if err != nil {
		return 0, false
	}
	return n, true
}

func formatSigned(n int) string {
	if n > 0 {
		return "+" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

var scales = map[string]Scale{
	// Eight symmetric labels, +4 -> +8 ... -4 -> -8, no neutral label.
	"step8": StepScale{name: "step8", steps: 4, weight: 2},
	// Same table with an explicit neutral label.
	"step8-zero": StepScale{name: "step8-zero", steps: 4, weight: 2, allowZero: true},
	// Integer scale of the first scoring generation.
	"int5": StepScale{name: "int5", steps: 5, weight: 1, allowZero: true},
}

// Lookup returns a built-in scale by name.
func Lookup(name string) (Scale, error) {
	s, ok := scales[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScale, name)
	}
	return s, nil
}

// Names returns the built-in scale names, sorted.
func Names() []string {
	out := make([]string, 0, len(scales))
	for name := range scales {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
