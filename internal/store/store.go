package store

import (
	"context"
	"errors"
	"time"

	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/source"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// CategoryScore is the stored aggregate for one (subject, category,
// evaluator, profile).
type CategoryScore struct {
	SubjectID  string          `db:"subject_id" json:"subject_id"`
	Category   source.Category `db:"category" json:"category"`
	Evaluator  string          `db:"evaluator_agent" json:"evaluator_agent"`
	Profile    string          `db:"profile" json:"profile"`
	Score      float64         `db:"score" json:"score"`
	Count      int             `db:"item_count" json:"item_count"`
	Excluded   int             `db:"excluded_count" json:"excluded_count"`
	ComputedAt time.Time       `db:"computed_at" json:"computed_at"`
}

// FinalScore is the stored final score and grade for one (subject,
// evaluator, profile).
type FinalScore struct {
	SubjectID  string    `db:"subject_id" json:"subject_id"`
	Evaluator  string    `db:"evaluator_agent" json:"evaluator_agent"`
	Profile    string    `db:"profile" json:"profile"`
	Score      float64   `db:"score" json:"score"`
	GradeCode  string    `db:"grade_code" json:"grade_code"`
	GradeName  string    `db:"grade_name" json:"grade_name"`
	GradeLabel string    `db:"grade_label" json:"grade_label"`
	ComputedAt time.Time `db:"computed_at" json:"computed_at"`
}

// Deletion is the audit record of one removed item.
type Deletion struct {
	ItemID    string    `db:"item_id" json:"item_id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	ReportID  string    `db:"report_id" json:"report_id"`
	Reason    string    `db:"reason" json:"reason"`
	DeletedAt time.Time `db:"deleted_at" json:"deleted_at"`
}

// ItemFilter controls item listing.
type ItemFilter struct {
	SubjectID string
	Category  source.Category
	// Unevaluated keeps only items this evaluator has not rated yet.
	Unevaluated string
	Limit       int
}

// EvalFilter controls evaluation listing.
type EvalFilter struct {
	SubjectID string
	Category  source.Category
	Evaluator string
}

// FinalFilter controls final score listing.
type FinalFilter struct {
	Profile   string
	Evaluator string
	Limit     int
}

// Store is the persistence interface.
type Store interface {
	UpsertSubject(ctx context.Context, s *source.Subject) error
	GetSubject(ctx context.Context, id string) (*source.Subject, error)
	FindSubjects(ctx context.Context, name string) ([]source.Subject, error)
	ListSubjects(ctx context.Context) ([]source.Subject, error)

	UpsertItems(ctx context.Context, items []source.Item) error
	ListItems(ctx context.Context, f ItemFilter) ([]source.Item, error)

	UpsertEvaluations(ctx context.Context, evs []evaluate.Evaluation) error
	ListEvaluations(ctx context.Context, f EvalFilter) ([]evaluate.Evaluation, error)
	ListEvaluators(ctx context.Context, subjectID string) ([]string, error)

	UpsertCategoryScore(ctx context.Context, cs *CategoryScore) error
	ListCategoryScores(ctx context.Context, subjectID, evaluator, profile string) ([]CategoryScore, error)
	UpsertFinalScore(ctx context.Context, fs *FinalScore) error
	GetFinalScore(ctx context.Context, subjectID, evaluator, profile string) (*FinalScore, error)
	ListFinalScores(ctx context.Context, f FinalFilter) ([]FinalScore, error)
	// DeleteScores removes the category scores for the given categories and
	// the final score of (subject, evaluator, profile).
	DeleteScores(ctx context.Context, subjectID, evaluator, profile string, categories []source.Category) error

	// DeleteItems removes the items and their evaluations and records one
	// audit row per removed item. It returns the number of items removed.
	DeleteItems(ctx context.Context, dels []Deletion) (int, error)
	ListDeletions(ctx context.Context, subjectID string) ([]Deletion, error)

	Close() error
}
