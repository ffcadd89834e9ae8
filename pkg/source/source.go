package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is one of the ten fixed evaluation dimensions.
type Category string

const (
	CategoryExpertise      Category = "expertise"
	CategoryLeadership     Category = "leadership"
	CategoryVision         Category = "vision"
	CategoryIntegrity      Category = "integrity"
	CategoryEthics         Category = "ethics"
	CategoryAccountability Category = "accountability"
	CategoryTransparency   Category = "transparency"
	CategoryCommunication  Category = "communication"
	CategoryResponsiveness Category = "responsiveness"
	CategoryPublicInterest Category = "public-interest"
)

// AllCategories returns the ten categories in their canonical order.
func AllCategories() []Category {
	return []Category{
		CategoryExpertise,
		CategoryLeadership,
		CategoryVision,
		CategoryIntegrity,
		CategoryEthics,
		CategoryAccountability,
		CategoryTransparency,
		CategoryCommunication,
		CategoryResponsiveness,
		CategoryPublicInterest,
	}
}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory accepts the canonical name plus the snake_case spelling used
// by older datasets ("public_interest").
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Tier tags where an item came from.
type Tier string

const (
	TierOfficial Tier = "official"
	TierPublic   Tier = "public"
)

// ParseTier parses a source tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierOfficial, TierPublic:
		return t, nil
	}
	return "", fmt.Errorf("unknown source tier %q", s)
}

// Subject is the political figure being evaluated.
type Subject struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Party    string `json:"party,omitempty" db:"party"`
	Position string `json:"position,omitempty" db:"position"`
}

// Item is one piece of collected evidence about a subject.
type Item struct {
	ID          string    `json:"id" db:"id"`
	SubjectID   string    `json:"subject_id" db:"subject_id"`
	Category    Category  `json:"category" db:"category"`
	Title       string    `json:"title" db:"title"`
	Content     string    `json:"content" db:"content"`
	URL         string    `json:"source_url" db:"source_url"`
	SourceName  string    `json:"source_name" db:"source_name"`
	PublishedAt time.Time `json:"published_date" db:"published_date"`
	Collector   string    `json:"collector_agent" db:"collector_agent"`
	Tier        Tier      `json:"source_type" db:"source_type"`
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
}

// Collector is the interface every evidence source must implement.
type Collector interface {
	Name() string
	Collect(ctx context.Context, subject Subject, category Category) ([]Item, error)
}

var itemNamespace = uuid.MustParse("6f1c1d2e-8b8e-4c55-9a51-5f0b1e0d7a41")

// ItemID derives a stable identifier so repeated collection of the same
// article for the same subject and category upserts instead of duplicating.
func ItemID(subjectID string, category Category, url string) string {
	return uuid.NewSHA1(itemNamespace, []byte(subjectID+"|"+string(category)+"|"+url)).String()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
