package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/alert"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/scoring"
	"github.com/elonfeng/polieval/pkg/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var evaluatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	sent []*alert.Notification
}

func (r *recorder) Broadcast(_ context.Context, n *alert.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func newTestEngine(t *testing.T, obs GradeObserver) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "polieval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, subj := range []source.Subject{{ID: "p1", Name: "홍길동"}, {ID: "p2", Name: "김철수"}} {
		require.NoError(t, s.UpsertSubject(context.Background(), &subj))
	}

	e := NewEngine(s, scoring.NewRegistry(), obs, 2, zap.NewNop())
	e.now = func() time.Time { return evaluatedAt }
	return e, s
}

func ev(subject string, cat source.Category, n int, evaluator, label string, score int) evaluate.Evaluation {
	item := fmt.Sprintf("%s-%s-%d", subject, cat, n)
	return evaluate.Evaluation{
		ID:          evaluate.ID(item, evaluator),
		ItemID:      item,
		SubjectID:   subject,
		Category:    cat,
		Evaluator:   evaluator,
		RatingLabel: label,
		Score:       score,
		EvaluatedAt: evaluatedAt,
	}
}

// uniform rates every category of subject with the same label.
func uniform(subject, evaluator, label string, score int, skip ...source.Category) []evaluate.Evaluation {
	skipped := make(map[source.Category]bool)
	for _, c := range skip {
		skipped[c] = true
	}
	var out []evaluate.Evaluation
	for _, c := range source.AllCategories() {
		if skipped[c] {
			continue
		}
		out = append(out, ev(subject, c, 1, evaluator, label, score))
	}
	return out
}

func TestScoreSubjectComplete(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	evs := uniform("p1", "gemini", "+4", 8)
	evs = append(evs,
		ev("p1", source.CategoryVision, 2, "gemini", "X", 0),
		ev("p1", source.CategoryVision, 3, "gemini", "+9", 18),
	)
	require.NoError(t, s.UpsertEvaluations(ctx, evs))

	results, err := e.ScoreSubject(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.True(t, r.Complete())
	assert.Empty(t, r.Incomplete)
	assert.Equal(t, 1, r.Rejected)
	require.Len(t, r.Categories, 10)
	assert.InDelta(t, 1000, r.Final.Score, 1e-9)
	assert.Equal(t, "M", r.Final.GradeCode)
	assert.Equal(t, "v2", r.Final.Profile)

	stored, err := s.ListCategoryScores(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	require.Len(t, stored, 10)
	for _, cs := range stored {
		assert.InDelta(t, 100, cs.Score, 1e-9, cs.Category)
		if cs.Category == source.CategoryVision {
			assert.Equal(t, 1, cs.Count)
			assert.Equal(t, 1, cs.Excluded)
		}
	}

	final, err := s.GetFinalScore(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	assert.Equal(t, "M", final.GradeCode)
}

func TestScoreSubjectIncompleteLeavesFinalUnset(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p2", "claude", "+1", 2, source.CategoryEthics)))

	results, err := e.ScoreSubject(ctx, "p2", "claude", "v2")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Complete())
	assert.Equal(t, []source.Category{source.CategoryEthics}, results[0].Incomplete)
	assert.Len(t, results[0].Categories, 9)

	_, err = s.GetFinalScore(ctx, "p2", "claude", "v2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRescoreAfterDeletionDropsStaleScores(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "gemini", "+2", 4)))
	results, err := e.ScoreSubject(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	require.True(t, results[0].Complete())

	// Cleaning removes the only rated ethics item.
	_, err = s.DeleteItems(ctx, []store.Deletion{{ItemID: "p1-ethics-1", SubjectID: "p1", ReportID: "r1", Reason: "stale"}})
	require.NoError(t, err)

	results, err = e.ScoreSubject(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	assert.Equal(t, []source.Category{source.CategoryEthics}, results[0].Incomplete)
	assert.Nil(t, results[0].Final)

	_, err = s.GetFinalScore(ctx, "p1", "gemini", "v2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	finals, err := s.ListFinalScores(ctx, store.FinalFilter{Profile: "v2"})
	require.NoError(t, err)
	assert.Empty(t, finals)

	stored, err := s.ListCategoryScores(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	assert.Len(t, stored, 9)
	for _, cs := range stored {
		assert.NotEqual(t, source.CategoryEthics, cs.Category)
	}
}

func TestScoreSubjectPerEvaluator(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "gemini", "+4", 8)))
	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "claude", "-4", -8)))

	results, err := e.ScoreSubject(ctx, "p1", "", "v2")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "claude", results[0].Evaluator)
	assert.InDelta(t, 200, results[0].Final.Score, 1e-9)
	assert.Equal(t, "gemini", results[1].Evaluator)
	assert.InDelta(t, 1000, results[1].Final.Score, 1e-9)
}

func TestScoreSubjectWrongProfileRejectsMismatchedScores(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "gemini", "+4", 8)))

	results, err := e.ScoreSubject(ctx, "p1", "gemini", "v1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 10, results[0].Rejected)
	assert.Len(t, results[0].Incomplete, 10)
	assert.Nil(t, results[0].Final)
}

func TestScoreSubjectRequiresProfileAndSubject(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.ScoreSubject(ctx, "p1", "gemini", "")
	assert.ErrorIs(t, err, scoring.ErrUnknownProfile)

	_, err = e.ScoreSubject(ctx, "ghost", "gemini", "v2")
	assert.ErrorIs(t, err, ErrUnknownSubject)

	results, err := e.ScoreSubject(ctx, "p2", "", "v2")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScoreSubjectReportsGradeChange(t *testing.T) {
	rec := &recorder{}
	e, s := newTestEngine(t, rec)
	ctx := context.Background()

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "gemini", "+4", 8)))
	_, err := e.ScoreSubject(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	assert.Empty(t, rec.sent)

	_, err = e.ScoreSubject(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)
	assert.Empty(t, rec.sent)

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "gemini", "-4", -8)))
	_, err = e.ScoreSubject(ctx, "p1", "gemini", "v2")
	require.NoError(t, err)

	require.Len(t, rec.sent, 1)
	n := rec.sent[0]
	assert.Equal(t, "M", n.Previous)
	assert.Equal(t, "L", n.Current)
	assert.InDelta(t, 1000, n.PreviousScore, 1e-9)
	assert.InDelta(t, 200, n.Score, 1e-9)
	assert.Equal(t, "홍길동", n.Subject.Name)
}

func TestScoreAllCollectsFailures(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p1", "gemini", "+2", 4)))
	require.NoError(t, s.UpsertEvaluations(ctx, uniform("p2", "gemini", "-1", -2)))

	results, err := e.ScoreAll(ctx, []string{"p1", "ghost", "p2"}, "gemini", "v2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSubject)
	assert.Contains(t, err.Error(), "ghost")

	require.Len(t, results, 2)
	assert.Equal(t, "p1", results[0].Subject.ID)
	assert.InDelta(t, 800, results[0].Final.Score, 1e-9)
	assert.Equal(t, "p2", results[1].Subject.ID)
	assert.InDelta(t, 500, results[1].Final.Score, 1e-9)
}

func TestScoreAllUnknownProfile(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.ScoreAll(context.Background(), []string{"p1"}, "", "v9")
	assert.ErrorIs(t, err, scoring.ErrUnknownProfile)
}
