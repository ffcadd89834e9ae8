package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/pipeline"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
	"github.com/elonfeng/polieval/pkg/verify"
)

// Options configures one Scheduler.
type Options struct {
	Interval time.Duration
	// Profile is the scoring profile every round writes.
	Profile string
	// Subjects limits the rounds to these IDs; empty means every stored subject.
	Subjects   []string
	Categories []source.Category
	// ReportDir receives one verify report per subject and round.
	ReportDir string
}

// Scheduler runs periodic collection, verification, evaluation and scoring.
type Scheduler struct {
	store      store.Store
	collectors []source.Collector
	verifier   *verify.Verifier
	evaluators []evaluate.Evaluator
	scale      rating.Scale
	engine     *pipeline.Engine
	opts       Options
	logger     *zap.Logger
}

// New creates a new scheduler.
func New(
	s store.Store,
	collectors []source.Collector,
	verifier *verify.Verifier,
	evaluators []evaluate.Evaluator,
	scale rating.Scale,
	engine *pipeline.Engine,
	opts Options,
	logger *zap.Logger,
) *Scheduler {
	if opts.Interval == 0 {
		opts.Interval = 6 * time.Hour
	}
	return &Scheduler{
		store:      s,
		collectors: collectors,
		verifier:   verifier,
		evaluators: evaluators,
		scale:      scale,
		engine:     engine,
		opts:       opts,
		logger:     logger.With(zap.String("component", "scheduler")),
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("initial round")
	s.Round(ctx)
	s.logger.Info("running", zap.Duration("interval", s.opts.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Round(ctx)
		}
	}
}

// Round runs every stage once for every subject. A failing stage is logged
// and the round moves on.
func (s *Scheduler) Round(ctx context.Context) {
	subjects, err := s.subjects(ctx)
	if err != nil {
		s.logger.Error("list subjects", zap.Error(err))
		return
	}

	ids := make([]string, 0, len(subjects))
	for _, subj := range subjects {
		if ctx.Err() != nil {
			return
		}
		s.prepare(ctx, subj)
		ids = append(ids, subj.ID)
	}

	if _, err := s.engine.ScoreAll(ctx, ids, "", s.opts.Profile); err != nil {
		s.logger.Error("score", zap.Error(err))
	}
}

// prepare collects, verifies and evaluates one subject.
func (s *Scheduler) prepare(ctx context.Context, subj source.Subject) {
	log := s.logger.With(zap.String("subject", subj.ID))

	if _, err := pipeline.Collect(ctx, s.store, s.collectors, subj, s.opts.Categories, log); err != nil {
		log.Warn("collect", zap.Error(err))
	}

	if s.verifier != nil {
		s.verify(ctx, subj, log)
	}

	for _, ev := range s.evaluators {
		if _, err := pipeline.EvaluatePending(ctx, s.store, ev, s.scale, subj, s.opts.Categories, 0, log); err != nil {
			log.Warn("evaluate", zap.String("evaluator", ev.Name()), zap.Error(err))
		}
	}
}

func (s *Scheduler) verify(ctx context.Context, subj source.Subject, log *zap.Logger) {
	items, err := s.store.ListItems(ctx, store.ItemFilter{SubjectID: subj.ID})
	if err != nil {
		log.Warn("verify: list items", zap.Error(err))
		return
	}
	report, err := s.verifier.Verify(ctx, subj.ID, items)
	if err != nil {
		log.Warn("verify", zap.Error(err))
		return
	}
	if len(report.Findings) == 0 || s.opts.ReportDir == "" {
		return
	}
	path, err := verify.WriteReport(s.opts.ReportDir, report)
	if err != nil {
		log.Warn("verify: write report", zap.Error(err))
		return
	}
	log.Info("review report written", zap.String("path", path), zap.Int("flagged", len(report.Flagged())))
}

func (s *Scheduler) subjects(ctx context.Context) ([]source.Subject, error) {
	if len(s.opts.Subjects) == 0 {
		return s.store.ListSubjects(ctx)
	}
	out := make([]source.Subject, 0, len(s.opts.Subjects))
	for _, id := range s.opts.Subjects {
		subj, err := s.store.GetSubject(ctx, id)
		if err != nil {
			s.logger.Warn("skip subject", zap.String("subject", id), zap.Error(err))
			continue
		}
		out = append(out, *subj)
	}
	return out, nil
}
