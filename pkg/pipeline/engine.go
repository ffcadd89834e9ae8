// Package pipeline turns stored evaluations into category scores, final
// scores and grades.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/alert"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/metrics"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/scoring"
	"github.com/elonfeng/polieval/pkg/source"
)

// ErrUnknownSubject is returned when a subject ID is not in the store.
var ErrUnknownSubject = errors.New("unknown subject")

// GradeObserver is told when a subject's grade differs from the one stored
// before the run.
type GradeObserver interface {
	Broadcast(ctx context.Context, n *alert.Notification) error
}

// SubjectResult is the outcome of scoring one subject for one evaluator.
type SubjectResult struct {
	Subject    source.Subject        `json:"subject"`
	Evaluator  string                `json:"evaluator_agent"`
	Profile    string                `json:"profile"`
	Categories []store.CategoryScore `json:"categories"`
	Incomplete []source.Category     `json:"incomplete,omitempty"`
	Final      *store.FinalScore     `json:"final,omitempty"`
	Rejected   int                   `json:"rejected"`
}

// Complete reports whether a final score was computed.
func (r SubjectResult) Complete() bool { return r.Final != nil }

// Engine scores subjects.
type Engine struct {
	store    store.Store
	profiles *scoring.Registry
	observer GradeObserver // optional, nil = disabled
	logger   *zap.Logger
	workers  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates a scoring engine. observer may be nil.
func NewEngine(s store.Store, profiles *scoring.Registry, observer GradeObserver, workers int, logger *zap.Logger) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:    s,
		profiles: profiles,
		observer: observer,
		logger:   logger.With(zap.String("component", "pipeline")),
		workers:  workers,
		locks:    make(map[string]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) subjectLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// ScoreSubject scores one subject under profileName. With an empty
// evaluator every agent that has rated the subject gets its own result.
func (e *Engine) ScoreSubject(ctx context.Context, subjectID, evaluator, profileName string) ([]SubjectResult, error) {
	profile, err := e.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	scale, err := profile.RatingScale()
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.Name, err)
	}

	subject, err := e.store.GetSubject(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load subject %s: %w", subjectID, err)
	}

	evaluators := []string{evaluator}
	if evaluator == "" {
		evaluators, err = e.store.ListEvaluators(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("list evaluators for %s: %w", subjectID, err)
		}
		if len(evaluators) == 0 {
			e.logger.Info("no evaluations", zap.String("subject", subjectID))
			return nil, nil
		}
	}

	lock := e.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	results := make([]SubjectResult, 0, len(evaluators))
	for _, ev := range evaluators {
		res, err := e.scoreOne(ctx, *subject, ev, profile, scale)
		if err != nil {
			return results, fmt.Errorf("subject %s, evaluator %s: %w", subjectID, ev, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) scoreOne(ctx context.Context, subject source.Subject, evaluator string, profile scoring.Profile, scale rating.Scale) (SubjectResult, error) {
	res := SubjectResult{Subject: subject, Evaluator: evaluator, Profile: profile.Name}
	log := e.logger.With(
		zap.String("subject", subject.ID),
		zap.String("evaluator", evaluator),
		zap.String("profile", profile.Name))

	evs, err := e.store.ListEvaluations(ctx, store.EvalFilter{SubjectID: subject.ID, Evaluator: evaluator})
	if err != nil {
		return res, fmt.Errorf("list evaluations: %w", err)
	}

	valid, rejected := evaluate.Validate(scale, evs)
	res.Rejected = len(rejected)
	for _, r := range rejected {
		metrics.RecordEvaluationRejected(r.Reason())
		log.Warn("evaluation rejected", zap.String("item", r.ItemID), zap.Error(r.Err))
	}

	votes := make(map[source.Category][]rating.Vote)
	for _, ev := range valid {
		v, err := scale.Normalize(ev.RatingLabel)
		if err != nil {
			continue
		}
		votes[ev.Category] = append(votes[ev.Category], v)
	}

	now := e.now()
	scores := make(map[source.Category]float64, len(source.AllCategories()))
	for _, cat := range source.AllCategories() {
		agg, err := profile.Aggregate(cat, votes[cat])
		if errors.Is(err, scoring.ErrIncomplete) {
			metrics.RecordCategoryScore(profile.Name, "incomplete")
			res.Incomplete = append(res.Incomplete, cat)
			continue
		}
		if err != nil {
			return res, err
		}

		cs := store.CategoryScore{
			SubjectID:  subject.ID,
			Category:   cat,
			Evaluator:  evaluator,
			Profile:    profile.Name,
			Score:      agg.Score,
			Count:      agg.Count,
			Excluded:   agg.Excluded,
			ComputedAt: now,
		}
		if err := e.store.UpsertCategoryScore(ctx, &cs); err != nil {
			return res, fmt.Errorf("store %s score: %w", cat, err)
		}
		metrics.RecordCategoryScore(profile.Name, "computed")
		scores[cat] = agg.Score
		res.Categories = append(res.Categories, cs)
	}

	if len(res.Incomplete) > 0 {
		// Rows from an earlier complete run no longer describe the evidence.
		if err := e.store.DeleteScores(ctx, subject.ID, evaluator, profile.Name, res.Incomplete); err != nil {
			return res, fmt.Errorf("clear stale scores: %w", err)
		}
		log.Info("final score pending", zap.Int("incomplete", len(res.Incomplete)))
		return res, nil
	}

	total, err := profile.FinalScore(scores)
	if err != nil {
		return res, err
	}
	grade, err := profile.Grades.Classify(total)
	if err != nil {
		return res, err
	}

	previous, err := e.store.GetFinalScore(ctx, subject.ID, evaluator, profile.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("load previous final score: %w", err)
	}

	fs := store.FinalScore{
		SubjectID:  subject.ID,
		Evaluator:  evaluator,
		Profile:    profile.Name,
		Score:      total,
		GradeCode:  grade.Code,
		GradeName:  grade.Name,
		GradeLabel: grade.Label,
		ComputedAt: now,
	}
	if err := e.store.UpsertFinalScore(ctx, &fs); err != nil {
		return res, fmt.Errorf("store final score: %w", err)
	}
	metrics.RecordFinalScore(profile.Name, grade.Code)
	res.Final = &fs
	log.Info("scored", zap.Float64("score", total), zap.String("grade", grade.Code))

	if previous != nil && previous.GradeCode != grade.Code {
		e.notify(ctx, subject, previous, &fs)
	}
	return res, nil
}

func (e *Engine) notify(ctx context.Context, subject source.Subject, previous, current *store.FinalScore) {
	if e.observer == nil {
		return
	}
	n := &alert.Notification{
		Subject:       subject,
		Evaluator:     current.Evaluator,
		Profile:       current.Profile,
		Score:         current.Score,
		PreviousScore: previous.Score,
		Previous:      previous.GradeCode,
		Current:       current.GradeCode,
		CurrentName:   current.GradeName,
	}
	if err := e.observer.Broadcast(ctx, n); err != nil {
		e.logger.Warn("grade change notification failed", zap.String("subject", subject.ID), zap.Error(err))
	}
}

// ScoreAll scores several subjects with bounded parallelism. Every subject
// runs; failures are joined into the returned error.
func (e *Engine) ScoreAll(ctx context.Context, subjectIDs []string, evaluator, profileName string) ([]SubjectResult, error) {
	if _, err := e.profiles.Get(profileName); err != nil {
		return nil, err
	}

	perSubject := make([][]SubjectResult, len(subjectIDs))
	errs := make([]error, len(subjectIDs))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, id := range subjectIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			perSubject[i], errs[i] = e.ScoreSubject(ctx, id, evaluator, profileName)
			return nil
		})
	}
	_ = g.Wait()

	var out []SubjectResult
	for _, rs := range perSubject {
		out = append(out, rs...)
	}
	return out, errors.Join(errs...)
}
