// Package evaluate rates collected items with named evaluating agents and
// validates ratings before they reach the aggregators.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

// ErrInvalidEvaluation wraps every per-record validation failure.
var ErrInvalidEvaluation = errors.New("invalid evaluation")

// Evaluation is one agent's rating of one collected item.
type Evaluation struct {
	ID          string          `json:"id" db:"id"`
	ItemID      string          `json:"collected_item_id" db:"collected_item_id"`
	SubjectID   string          `json:"subject_id" db:"subject_id"`
	Category    source.Category `json:"category" db:"category"`
	Evaluator   string          `json:"evaluator_agent" db:"evaluator_agent"`
	RatingLabel string          `json:"rating_label" db:"rating_label"`
	Score       int             `json:"score" db:"score"`
	Rationale   string          `json:"rationale" db:"rationale"`
	EvaluatedAt time.Time       `json:"evaluated_at" db:"evaluated_at"`
}

// Evaluator is an agent that rates a batch of items about one subject.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, subject source.Subject, items []source.Item) ([]Evaluation, error)
}

// Rejection records why one evaluation was dropped.
type Rejection struct {
	ItemID    string `json:"collected_item_id"`
	Evaluator string `json:"evaluator_agent"`
	Label     string `json:"rating_label"`
	Err       error  `json:"-"`
}

func (r Rejection) Error() string {
	return fmt.Sprintf("item %s (%s, label %q): %v", r.ItemID, r.Evaluator, r.Label, r.Err)
}

// Reason is a short metrics label for the rejection.
func (r Rejection) Reason() string {
	switch {
	case errors.Is(r.Err, rating.ErrInvalidLabel):
		return "invalid_label"
	case errors.Is(r.Err, rating.ErrScoreMismatch):
		return "score_mismatch"
	case errors.Is(r.Err, errUnknownCategory):
		return "unknown_category"
	default:
		return "missing_field"
	}
}

var errUnknownCategory = errors.New("unknown category")

// ID derives the evaluation ID from its unique key.
func ID(itemID, evaluator string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(itemID+"|"+evaluator)).String()
}

// Validate checks each evaluation against scale. The label is canonicalized
// and the stored score must equal the label's score. Failures are returned
// per record; they never abort the batch.
func Validate(scale rating.Scale, evs []Evaluation) (valid []Evaluation, rejected []Rejection) {
	for _, ev := range evs {
		score := ev.Score
		out, err := check(scale, ev, &score)
		if err != nil {
			rejected = append(rejected, reject(ev, err))
			continue
		}
		valid = append(valid, out)
	}
	return valid, rejected
}

func check(scale rating.Scale, ev Evaluation, score *int) (Evaluation, error) {
	switch {
	case strings.TrimSpace(ev.ItemID) == "":
		return ev, fmt.Errorf("%w: collected_item_id is required", ErrInvalidEvaluation)
	case strings.TrimSpace(ev.SubjectID) == "":
		return ev, fmt.Errorf("%w: subject_id is required", ErrInvalidEvaluation)
	case strings.TrimSpace(ev.Evaluator) == "":
		return ev, fmt.Errorf("%w: evaluator_agent is required", ErrInvalidEvaluation)
	}

	cat, err := source.ParseCategory(string(ev.Category))
	if err != nil {
		return ev, fmt.Errorf("%w: %w: %v", ErrInvalidEvaluation, errUnknownCategory, err)
	}
	ev.Category = cat

	var v rating.Vote
	if score == nil {
		v, err = scale.Normalize(ev.RatingLabel)
	} else {
		v, err = rating.Check(scale, ev.RatingLabel, *score)
	}
	if err != nil {
		return ev, fmt.Errorf("%w: %w", ErrInvalidEvaluation, err)
	}

	ev.RatingLabel = v.Label
	ev.Score = v.Score
	if ev.ID == "" {
		ev.ID = ID(ev.ItemID, ev.Evaluator)
	}
	return ev, nil
}

func reject(ev Evaluation, err error) Rejection {
	return Rejection{ItemID: ev.ItemID, Evaluator: ev.Evaluator, Label: ev.RatingLabel, Err: err}
}

// batchRecord is one row of a human-in-the-loop review batch. score may be
// omitted, in which case it is derived from the label.
type batchRecord struct {
	ItemID      string `json:"collected_item_id"`
	SubjectID   string `json:"subject_id"`
	Category    string `json:"category"`
	Evaluator   string `json:"evaluator_agent"`
	RatingLabel string `json:"rating_label"`
	Rating      string `json:"rating"`
	Score       *int   `json:"score"`
	Rationale   string `json:"rationale"`
}

// ParseBatch reads a JSON array of review records and validates each against
// scale. evaluator fills records that do not name their agent.
func ParseBatch(r io.Reader, scale rating.Scale, evaluator string, now time.Time) ([]Evaluation, []Rejection, error) {
	var records []batchRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, nil, fmt.Errorf("decode review batch: %w", err)
	}

	var (
		valid    []Evaluation
		rejected []Rejection
	)
	for _, rec := range records {
		ev := Evaluation{
			ItemID:      rec.ItemID,
			SubjectID:   rec.SubjectID,
			Category:    source.Category(rec.Category),
			Evaluator:   rec.Evaluator,
			RatingLabel: rec.RatingLabel,
			Rationale:   rec.Rationale,
			EvaluatedAt: now,
		}
		if ev.RatingLabel == "" {
			ev.RatingLabel = rec.Rating
		}
		if ev.Evaluator == "" {
			ev.Evaluator = evaluator
		}

		out, err := check(scale, ev, rec.Score)
		if err != nil {
			rejected = append(rejected, reject(ev, err))
			continue
		}
		valid = append(valid, out)
	}
	return valid, rejected, nil
}
