package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/metrics"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

// CollectStats counts stored items per collector.
type CollectStats map[string]int

// Total sums every collector.
func (c CollectStats) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Collect runs every collector for every category and stores what they
// return. A failing collector or category is reported in the joined error
// and the rest still run.
func Collect(ctx context.Context, s store.Store, collectors []source.Collector, subject source.Subject, categories []source.Category, logger *zap.Logger) (CollectStats, error) {
	if len(categories) == 0 {
		categories = source.AllCategories()
	}

	stats := make(CollectStats)
	var errs []error
	for _, cat := range categories {
		for _, c := range collectors {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			items, err := c.Collect(ctx, subject, cat)
			if err != nil {
				logger.Warn("collect failed",
					zap.String("collector", c.Name()),
					zap.String("subject", subject.ID),
					zap.String("category", string(cat)),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("%s %s/%s: %w", c.Name(), subject.ID, cat, err))
				continue
			}
			metrics.RecordItemsCollected(c.Name(), len(items))
			if len(items) == 0 {
				continue
			}

			if err := s.UpsertItems(ctx, items); err != nil {
				errs = append(errs, fmt.Errorf("store %s %s/%s: %w", c.Name(), subject.ID, cat, err))
				continue
			}
			stats[c.Name()] += len(items)
		}
	}

	logger.Info("collected", zap.String("subject", subject.ID), zap.Int("items", stats.Total()))
	return stats, errors.Join(errs...)
}

// EvaluateStats summarizes one evaluator's pass over a subject.
type EvaluateStats struct {
	Evaluator string `json:"evaluator_agent"`
	Pending   int    `json:"pending"`
	Stored    int    `json:"stored"`
	Rejected  int    `json:"rejected"`
}

// EvaluatePending rates the subject's items that ev has not rated yet,
// validates the ratings against scale and stores the valid ones. limit caps
// the number of items per category (0 means no cap).
func EvaluatePending(ctx context.Context, s store.Store, ev evaluate.Evaluator, scale rating.Scale, subject source.Subject, categories []source.Category, limit int, logger *zap.Logger) (EvaluateStats, error) {
	stats := EvaluateStats{Evaluator: ev.Name()}
	if len(categories) == 0 {
		categories = source.AllCategories()
	}

	var errs []error
	for _, cat := range categories {
		items, err := s.ListItems(ctx, store.ItemFilter{
			SubjectID:   subject.ID,
			Category:    cat,
			Unevaluated: ev.Name(),
			Limit:       limit,
		})
		if err != nil {
			return stats, fmt.Errorf("list pending %s/%s: %w", subject.ID, cat, err)
		}
		if len(items) == 0 {
			continue
		}
		stats.Pending += len(items)

		evs, err := ev.Evaluate(ctx, subject, items)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			// Partial results from the chunks that succeeded are still stored.
			errs = append(errs, fmt.Errorf("%s %s/%s: %w", ev.Name(), subject.ID, cat, err))
		}

		valid, rejected := evaluate.Validate(scale, evs)
		stats.Rejected += len(rejected)
		for _, r := range rejected {
			metrics.RecordEvaluationRejected(r.Reason())
			logger.Warn("evaluation rejected", zap.String("item", r.ItemID), zap.String("evaluator", r.Evaluator), zap.Error(r.Err))
		}
		if len(valid) == 0 {
			continue
		}
		if err := s.UpsertEvaluations(ctx, valid); err != nil {
			return stats, fmt.Errorf("store evaluations %s/%s: %w", subject.ID, cat, err)
		}
		stats.Stored += len(valid)
	}

	logger.Info("evaluated",
		zap.String("subject", subject.ID),
		zap.String("evaluator", ev.Name()),
		zap.Int("pending", stats.Pending),
		zap.Int("stored", stats.Stored),
		zap.Int("rejected", stats.Rejected))
	return stats, errors.Join(errs...)
}
